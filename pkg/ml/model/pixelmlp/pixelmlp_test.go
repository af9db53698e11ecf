// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelmlp

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHiddenWidths(t *testing.T) {
	assert.Equal(t, 3, NumHiddenLayers(32))
	assert.Equal(t, []int{32, 64, 128}, HiddenWidths(32, 32))
	assert.Equal(t, []int{16, 16, 16, 32, 64}, HiddenWidths(128, 16))
	// Tiny images still get the two widest layers.
	assert.Equal(t, []int{8, 16}, HiddenWidths(4, 4))
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamBaseWidth: 4, ParamFourierFeatures: 2, ParamSeed: 7})
	cfg := ConfigFromContext(ctx, 8, 3)
	assert.Equal(t, Config{ImageSize: 8, Channels: 3, HiddenWidths: []int{8, 16}, FourierFeatures: 2, Seed: 7}, cfg)
}

func TestConfigFromParams(t *testing.T) {
	// Numbers read back from a checkpoint are float64.
	params := map[string]any{ParamImageSize: 8.0, ParamBaseWidth: 4.0, ParamFourierFeatures: 2.0, ParamSeed: 7.0}
	cfg, err := ConfigFromParams(params, 3)
	require.NoError(t, err)
	assert.Equal(t, Config{ImageSize: 8, Channels: 3, HiddenWidths: []int{8, 16}, FourierFeatures: 2, Seed: 7}, cfg)

	_, err = ConfigFromParams(map[string]any{ParamBaseWidth: 4.0}, 3)
	require.Error(t, err)
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.New(dims...)
	for ii := range t.Data {
		t.Data[ii] = float32(rng.NormFloat64())
	}
	return t
}

// dot returns sum(a*b) in float64.
func dot(a, b []float32) float64 {
	var sum float64
	for ii := range a {
		sum += float64(a[ii]) * float64(b[ii])
	}
	return sum
}

func TestForwardDeterministic(t *testing.T) {
	cfg := Config{ImageSize: 4, Channels: 3, HiddenWidths: []int{8, 16}, FourierFeatures: 2, Seed: 1}
	b1, b2 := New(cfg), New(cfg)
	rng := rand.New(rand.NewPCG(1, 2))
	x := randomTensor(rng, 2, 4, 4, 3)
	cond := []float32{-1, 0.5}
	y1, _ := b1.Forward(x, cond)
	y2, _ := b2.Forward(x, cond)
	assert.Equal(t, x.Dimensions, y1.Dimensions)
	assert.Equal(t, y1.Data, y2.Data)
	assert.False(t, y1.HasNonFinite())

	// Different conditioning gives a different output.
	y3, _ := b1.Forward(x, []float32{1, 0.5})
	assert.NotEqual(t, y1.Example(0), y3.Example(0))
	assert.Equal(t, y1.Example(1), y3.Example(1))
}

func TestGradients(t *testing.T) {
	cfg := Config{ImageSize: 3, Channels: 2, HiddenWidths: []int{5, 6}, FourierFeatures: 1, Seed: 3}
	b := New(cfg)
	rng := rand.New(rand.NewPCG(3, 4))
	x := randomTensor(rng, 3, 3, 3, 2)
	cond := []float32{-0.7, 0.1, 0.9}
	outGrad := randomTensor(rng, 3, 3, 3, 2)

	// Analytic gradient of L = sum(y * outGrad).
	model.ZeroGrads(b.Parameters())
	_, backward := b.Forward(x, cond)
	backward(outGrad)

	const eps = 1e-2
	for _, p := range b.Parameters() {
		for _, ii := range []int{0, p.Size() / 2, p.Size() - 1} {
			original := p.Value[ii]
			p.Value[ii] = original + eps
			yPlus, _ := b.Forward(x, cond)
			p.Value[ii] = original - eps
			yMinus, _ := b.Forward(x, cond)
			p.Value[ii] = original
			numeric := (dot(yPlus.Data, outGrad.Data) - dot(yMinus.Data, outGrad.Data)) / (2 * eps)
			assert.InDeltaf(t, numeric, float64(p.Grad[ii]), 1e-2+2e-2*abs(numeric),
				"gradient of %s[%d]", p.Name, ii)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestClone(t *testing.T) {
	cfg := Config{ImageSize: 4, Channels: 1, HiddenWidths: []int{4, 8}, FourierFeatures: 1, Seed: 5}
	b := New(cfg)
	b.Parameters()[0].Value[0] = 42
	cloned := b.Clone()
	require.NoError(t, model.CheckSameStructure(b.Parameters(), cloned.Parameters()))
	assert.Equal(t, float32(42), cloned.Parameters()[0].Value[0])
	cloned.Parameters()[0].Value[0] = 0
	assert.Equal(t, float32(42), b.Parameters()[0].Value[0])
}
