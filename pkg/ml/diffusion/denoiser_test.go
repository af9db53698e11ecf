// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/ml/model/constant"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.New(dims...)
	for ii := range t.Data {
		t.Data[ii] = float32(rng.NormFloat64())
	}
	return t
}

func TestScalings(t *testing.T) {
	d := New(constant.New(0), 0.5)
	cSkip, cOut, cIn := d.Scalings(0.5)
	assert.InDelta(t, 0.5, cSkip, 1e-12)
	assert.InDelta(t, 0.5/math.Sqrt2, cOut, 1e-12)
	assert.InDelta(t, 1/(0.5*math.Sqrt2), cIn, 1e-12)

	for _, sigma := range []float64{1e-12, 1e-6, 1e-2, 0.5, 1, 80, 1e3, 1e6} {
		cSkip, cOut, cIn := d.Scalings(sigma)
		for _, v := range []float64{cSkip, cOut, cIn} {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "sigma=%g", sigma)
		}
		assert.Greater(t, cOut, 0.0)
		// c_skip + (sigma*c_in)² == 1
		assert.InDelta(t, 1.0, cSkip+sigma*sigma*cIn*cIn, 1e-9, "sigma=%g", sigma)
	}

	assert.Panics(t, func() { d.Scalings(0) })
	assert.Panics(t, func() { d.Scalings(-1) })
	assert.Panics(t, func() { d.Scalings(math.NaN()) })
}

func TestNoiseConditioning(t *testing.T) {
	assert.Equal(t, float32(0), NoiseConditioning(1))
	assert.InDelta(t, math.Log(80)/4, float64(NoiseConditioning(80)), 1e-6)
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, 0.5, FromContext(ctx, constant.New(0)).SigmaData)
	ctx.SetParam(ParamSigmaData, 1.0)
	assert.Equal(t, 1.0, FromContext(ctx, constant.New(0)).SigmaData)
}

func TestDenoise(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	x := randomTensor(rng, 2, 2, 2, 3)
	sigmas := []float64{0.1, 10}

	// A zero backbone only keeps the skip connection.
	d := New(constant.New(0), 0.5)
	denoised := d.Denoise(x, sigmas)
	for ex, sigma := range sigmas {
		cSkip, _, _ := d.Scalings(sigma)
		for ii, v := range x.Example(ex) {
			assert.InDelta(t, cSkip*float64(v), float64(denoised.Example(ex)[ii]), 1e-6)
		}
	}

	// DenoiseAt uses the same sigma for every example.
	at := d.DenoiseAt(x, 0.1)
	assert.Equal(t, denoised.Example(0), at.Example(0))

	assert.Panics(t, func() { d.Denoise(x, []float64{1}) })
}

func TestLossForms(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	backbone := pixelmlp.New(pixelmlp.Config{ImageSize: 4, Channels: 3, HiddenWidths: []int{8, 8},
		FourierFeatures: 2, Seed: 1})
	d := New(backbone, 0.5)
	reals := randomTensor(rng, 3, 4, 4, 3)
	noise := randomTensor(rng, 3, 4, 4, 3)
	sigmas := []float64{0.3, 1, 2.5}

	loss := d.Loss(reals, noise, sigmas)
	weighted := d.WeightedLoss(reals, noise, sigmas)
	require.False(t, math.IsNaN(loss))
	assert.InDelta(t, weighted, loss, 1e-4*loss)

	// LossAndGrad reports the same value, and only it touches the gradients.
	for _, p := range backbone.Parameters() {
		for _, g := range p.Grad {
			require.Zero(t, g)
		}
	}
	assert.Equal(t, loss, d.LossAndGrad(reals, noise, sigmas))
	var gradNorm float64
	for _, p := range backbone.Parameters() {
		for _, g := range p.Grad {
			gradNorm += float64(g) * float64(g)
		}
	}
	assert.Greater(t, gradNorm, 0.0)
}

func TestLossGradConstant(t *testing.T) {
	// With a constant backbone F=c the loss is mean((c - T)²), and dL/dc = mean(2(c - T)).
	rng := rand.New(rand.NewPCG(3, 3))
	reals := randomTensor(rng, 2, 3, 3, 1)
	noise := randomTensor(rng, 2, 3, 3, 1)
	sigmas := []float64{0.7, 3}

	backbone := constant.New(0.2)
	d := New(backbone, 0.5)
	model.ZeroGrads(backbone.Parameters())
	loss := d.LossAndGrad(reals, noise, sigmas)

	var sumTarget, sumTarget2 float64
	n := float64(reals.Size())
	for ex, sigma := range sigmas {
		cSkip, cOut, _ := d.Scalings(sigma)
		for ii, r := range reals.Example(ex) {
			x := float64(r) + sigma*float64(noise.Example(ex)[ii])
			target := (float64(r) - cSkip*x) / cOut
			sumTarget += target
			sumTarget2 += target * target
		}
	}
	c := 0.2
	wantLoss := c*c - 2*c*sumTarget/n + sumTarget2/n
	assert.InDelta(t, wantLoss, loss, 1e-5)
	wantGrad := 2*c - 2*sumTarget/n
	assert.InDelta(t, wantGrad, float64(backbone.Parameters()[0].Grad[0]), 1e-4)
}
