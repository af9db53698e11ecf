// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation measures the quality of generated images by comparing the distributions of
// features (e.g. the InceptionV3 pool features) of generated and real images.
//
// It implements:
//
//   - FID: the Fréchet distance between Gaussian fits of the two feature sets.
//   - KID: the squared maximum mean discrepancy with a cubic polynomial kernel.
//   - ComputeFeatures: samples images in all workers, extracts their features and gathers them.
//
// The feature extractor itself is a collaborator, see FeatureExtractor. The package
// onnxfeatures provides one based on an InceptionV3 ONNX model, and RandomProjection is a
// deterministic pure-Go fallback.
package evaluation

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/distributed"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// FeatureExtractor maps a batch of images to one feature vector per image.
type FeatureExtractor interface {
	// Extract the features of images shaped [batch, height, width, channels], with values in [-1, 1].
	// It returns a matrix of shape [batch, Dim()].
	Extract(images *tensors.Tensor) (*mat.Dense, error)

	// Dim is the number of features per image.
	Dim() int
}

// SampleFn returns a batch of at least n images. Extra images are ignored.
type SampleFn func(n int) (*tensors.Tensor, error)

// ComputeFeatures draws n images, split over all workers, and returns the features of all of them.
//
// Each worker draws ceil(n/worldSize) images, in batches of at most batchSize, and the features are
// gathered after each batch. So every worker receives the same result, and must call ComputeFeatures
// with the same arguments. The gathered features are trimmed to n rows.
func ComputeFeatures(dist distributed.Context, sampleFn SampleFn, extractor FeatureExtractor, n, batchSize int) (*mat.Dense, error) {
	if n <= 0 || batchSize <= 0 {
		return nil, errors.Errorf("ComputeFeatures: n (%d) and batchSize (%d) must be > 0", n, batchSize)
	}
	if dist == nil {
		dist = distributed.Single()
	}
	worldSize := dist.WorldSize()
	nPerWorker := (n + worldSize - 1) / worldSize
	dim := extractor.Dim()
	var gathered []*tensors.Tensor
	for start := 0; start < nPerWorker; start += batchSize {
		count := min(nPerWorker-start, batchSize)
		samples, err := sampleFn(count)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampling %d images for features", count)
		}
		if samples.Rank() != 4 || samples.BatchSize() < count {
			return nil, errors.Errorf("sample function returned images shaped %v, wanted at least %d images [batch, height, width, channels]",
				samples.Dimensions, count)
		}
		samples = samples.BatchSlice(0, count)
		features, err := extractor.Extract(samples)
		if err != nil {
			return nil, errors.WithMessage(err, "extracting features")
		}
		if rows, cols := features.Dims(); rows != count || cols != dim {
			return nil, errors.Errorf("feature extractor returned features shaped [%d, %d], wanted [%d, %d]",
				rows, cols, count, dim)
		}
		all, err := dist.Gather(denseToTensor(features))
		if err != nil {
			return nil, err
		}
		gathered = append(gathered, all)
		klog.V(2).Infof("features: %d/%d images per worker", start+count, nPerWorker)
	}
	all := tensors.Concatenate(gathered...)
	rows := min(n, all.BatchSize())
	return tensorToDense(all.BatchSlice(0, rows)), nil
}

func denseToTensor(m *mat.Dense) *tensors.Tensor {
	rows, cols := m.Dims()
	t := tensors.New(rows, cols)
	for row := range rows {
		for col := range cols {
			t.Data[row*cols+col] = float32(m.At(row, col))
		}
	}
	return t
}

func tensorToDense(t *tensors.Tensor) *mat.Dense {
	rows, cols := t.Dimensions[0], t.Dimensions[1]
	data := make([]float64, len(t.Data))
	for ii, v := range t.Data {
		data[ii] = float64(v)
	}
	return mat.NewDense(rows, cols, data)
}
