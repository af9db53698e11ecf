// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// RandomProjection is a FeatureExtractor that projects the flattened pixels of each image with a fixed
// random Gaussian matrix, followed by tanh. The matrix only depends on the seed and the image size.
//
// The distances it measures are not comparable with the InceptionV3 ones, but it needs no model files,
// and it is deterministic.
type RandomProjection struct {
	dim  int
	seed uint64

	mu         sync.Mutex
	imageSize  int
	projection *mat.Dense
}

var _ FeatureExtractor = (*RandomProjection)(nil)

// NewRandomProjection creates a RandomProjection to dim features.
func NewRandomProjection(dim int, seed uint64) *RandomProjection {
	return &RandomProjection{dim: dim, seed: seed}
}

// Dim implements FeatureExtractor.
func (rp *RandomProjection) Dim() int { return rp.dim }

// projectionFor returns the projection matrix for images with imageSize values, created on the first call.
func (rp *RandomProjection) projectionFor(imageSize int) (*mat.Dense, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.projection != nil {
		if rp.imageSize != imageSize {
			return nil, errors.Errorf("RandomProjection created for images with %d values, got images with %d",
				rp.imageSize, imageSize)
		}
		return rp.projection, nil
	}
	rng := rand.New(rand.NewPCG(rp.seed, uint64(imageSize)))
	scale := 1 / math.Sqrt(float64(imageSize))
	data := make([]float64, imageSize*rp.dim)
	for ii := range data {
		data[ii] = rng.NormFloat64() * scale
	}
	rp.imageSize = imageSize
	rp.projection = mat.NewDense(imageSize, rp.dim, data)
	return rp.projection, nil
}

// Extract implements FeatureExtractor.
func (rp *RandomProjection) Extract(images *tensors.Tensor) (*mat.Dense, error) {
	if rp.dim <= 0 {
		return nil, errors.Errorf("RandomProjection with invalid dimension %d", rp.dim)
	}
	if images.Rank() != 4 || images.BatchSize() == 0 {
		return nil, errors.Errorf("RandomProjection expects images shaped [batch, height, width, channels], got %v",
			images.Dimensions)
	}
	projection, err := rp.projectionFor(images.ExampleSize())
	if err != nil {
		return nil, err
	}
	pixels := mat.NewDense(images.BatchSize(), images.ExampleSize(), nil)
	for row := range images.BatchSize() {
		for col, v := range images.Example(row) {
			pixels.Set(row, col, float64(v))
		}
	}
	var features mat.Dense
	features.Mul(pixels, projection)
	features.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, &features)
	return &features, nil
}
