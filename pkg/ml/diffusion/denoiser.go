// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diffusion implements the EDM-style preconditioned Denoiser (Karras et al. 2022) that wraps a
// trainable backbone, and its training loss.
//
// Given the backbone F and the standard deviation of the data sigma_data, the denoised estimate of
// a noisy image x at noise level sigma is:
//
//	D(x, sigma) = c_skip(sigma) * x + c_out(sigma) * F(c_in(sigma) * x, log(sigma)/4)
//
// See Scalings for the coefficients.
package diffusion

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
)

const (
	// ParamSigmaData is the context hyperparameter with the standard deviation of the training data.
	// Default is 0.5, the value for images scaled to [-1, 1].
	ParamSigmaData = "sigma_data"

	// ParamSigmaMean is the context hyperparameter with the mean of log(sigma) for the training noise levels.
	// Default is -1.2.
	ParamSigmaMean = "sigma_mean"

	// ParamSigmaStd is the context hyperparameter with the standard deviation of log(sigma) for the training
	// noise levels. Default is 1.2.
	ParamSigmaStd = "sigma_std"
)

// Denoiser wraps a Backbone with the EDM preconditioning. It holds no mutable state besides the
// backbone's parameters.
type Denoiser struct {
	Backbone  model.Backbone
	SigmaData float64
}

// New creates a Denoiser for the given backbone.
func New(backbone model.Backbone, sigmaData float64) *Denoiser {
	if sigmaData <= 0 {
		exceptions.Panicf("diffusion.New: sigmaData must be > 0, got %g", sigmaData)
	}
	return &Denoiser{Backbone: backbone, SigmaData: sigmaData}
}

// FromContext creates a Denoiser for the given backbone, with sigma_data read from the context.
func FromContext(ctx *context.Context, backbone model.Backbone) *Denoiser {
	return New(backbone, context.GetParamOr(ctx, ParamSigmaData, 0.5))
}

// Scalings returns the preconditioning coefficients for the noise level sigma:
//
//	c_skip = sigma_data² / (sigma² + sigma_data²)
//	c_out = sigma * sigma_data / sqrt(sigma² + sigma_data²)
//	c_in = 1 / sqrt(sigma² + sigma_data²)
//
// A non-positive sigma is a programmer error, and it panics.
func (d *Denoiser) Scalings(sigma float64) (cSkip, cOut, cIn float64) {
	if !(sigma > 0) {
		exceptions.Panicf("diffusion.Denoiser: sigma must be > 0, got %g", sigma)
	}
	sd2 := d.SigmaData * d.SigmaData
	total := sigma*sigma + sd2
	root := math.Sqrt(total)
	cSkip = sd2 / total
	cOut = sigma * d.SigmaData / root
	cIn = 1 / root
	return
}

// NoiseConditioning is the conditioning signal fed to the backbone for noise level sigma: log(sigma)/4.
func NoiseConditioning(sigma float64) float32 {
	return float32(math.Log(sigma) / 4)
}

// LossWeight is the weight of the squared error of the denoised estimate: (sigma² + sigma_data²) / (sigma*sigma_data)².
func (d *Denoiser) LossWeight(sigma float64) float64 {
	return (sigma*sigma + d.SigmaData*d.SigmaData) / math.Pow(sigma*d.SigmaData, 2)
}

func (d *Denoiser) checkSigmas(x *tensors.Tensor, sigmas []float64) {
	if len(sigmas) != x.BatchSize() {
		exceptions.Panicf("diffusion.Denoiser: %d sigmas given for a batch of %d", len(sigmas), x.BatchSize())
	}
}

// backboneForward scales the input and the noise levels, and calls the backbone.
func (d *Denoiser) backboneForward(x *tensors.Tensor, sigmas []float64) (*tensors.Tensor, model.BackwardFn) {
	scaled := tensors.ZerosLike(x)
	cond := make([]float32, len(sigmas))
	for ex, sigma := range sigmas {
		_, _, cIn := d.Scalings(sigma)
		src, dst := x.Example(ex), scaled.Example(ex)
		for ii, v := range src {
			dst[ii] = float32(cIn * float64(v))
		}
		cond[ex] = NoiseConditioning(sigma)
	}
	return d.Backbone.Forward(scaled, cond)
}

// Denoise returns the denoised estimate D(x, sigma) of the noisy images x, with one sigma per example.
func (d *Denoiser) Denoise(x *tensors.Tensor, sigmas []float64) *tensors.Tensor {
	d.checkSigmas(x, sigmas)
	f, _ := d.backboneForward(x, sigmas)
	denoised := tensors.ZerosLike(x)
	for ex, sigma := range sigmas {
		cSkip, cOut, _ := d.Scalings(sigma)
		src, fEx, dst := x.Example(ex), f.Example(ex), denoised.Example(ex)
		for ii, v := range src {
			dst[ii] = float32(cSkip*float64(v) + cOut*float64(fEx[ii]))
		}
	}
	return denoised
}

// DenoiseAt returns the denoised estimate of x with the same noise level sigma for every example.
// It is the function used by the samplers.
func (d *Denoiser) DenoiseAt(x *tensors.Tensor, sigma float64) *tensors.Tensor {
	sigmas := make([]float64, x.BatchSize())
	for ii := range sigmas {
		sigmas[ii] = sigma
	}
	return d.Denoise(x, sigmas)
}

// noised returns x0 + sigma*noise, per example.
func noised(reals, noise *tensors.Tensor, sigmas []float64) *tensors.Tensor {
	if !tensors.SameShape(reals, noise) {
		exceptions.Panicf("diffusion.Denoiser: reals %v and noise %v must have the same shape",
			reals.Dimensions, noise.Dimensions)
	}
	x := tensors.ZerosLike(reals)
	for ex, sigma := range sigmas {
		r, n, dst := reals.Example(ex), noise.Example(ex), x.Example(ex)
		for ii := range dst {
			dst[ii] = float32(float64(r[ii]) + sigma*float64(n[ii]))
		}
	}
	return x
}

// Loss returns the training loss for the real images x0, the standard normal noise and one sigma per
// example, without computing gradients. See LossAndGrad.
func (d *Denoiser) Loss(reals, noise *tensors.Tensor, sigmas []float64) float64 {
	return d.loss(reals, noise, sigmas, false)
}

// LossAndGrad returns the training loss and accumulates its gradient with respect to the backbone
// parameters into their Grad.
//
// The loss is the mean over all elements of the squared difference between the backbone output and
// its effective target:
//
//	(F(c_in*x, log(sigma)/4) - (x0 - c_skip*x)/c_out)², with x = x0 + sigma*noise
//
// This is exactly WeightedLoss, with the weight folded into c_out.
func (d *Denoiser) LossAndGrad(reals, noise *tensors.Tensor, sigmas []float64) float64 {
	return d.loss(reals, noise, sigmas, true)
}

func (d *Denoiser) loss(reals, noise *tensors.Tensor, sigmas []float64, withGrad bool) float64 {
	d.checkSigmas(reals, sigmas)
	x := noised(reals, noise, sigmas)
	f, backward := d.backboneForward(x, sigmas)
	n := float64(f.Size())
	if n == 0 {
		return 0
	}
	var grad *tensors.Tensor
	if withGrad {
		grad = tensors.ZerosLike(f)
	}
	var sum float64
	for ex, sigma := range sigmas {
		cSkip, cOut, _ := d.Scalings(sigma)
		r, xEx, fEx := reals.Example(ex), x.Example(ex), f.Example(ex)
		for ii := range fEx {
			target := (float64(r[ii]) - cSkip*float64(xEx[ii])) / cOut
			diff := float64(fEx[ii]) - target
			sum += diff * diff
			if withGrad {
				grad.Example(ex)[ii] = float32(2 * diff / n)
			}
		}
	}
	if withGrad {
		backward(grad)
	}
	return sum / n
}

// WeightedLoss returns the mean over all elements of weight(sigma) * (D(x0 + sigma*noise, sigma) - x0)².
// It is numerically equivalent to Loss, but computed through the denoised estimate.
func (d *Denoiser) WeightedLoss(reals, noise *tensors.Tensor, sigmas []float64) float64 {
	d.checkSigmas(reals, sigmas)
	x := noised(reals, noise, sigmas)
	denoised := d.Denoise(x, sigmas)
	if denoised.Size() == 0 {
		return 0
	}
	var sum float64
	for ex, sigma := range sigmas {
		w := d.LossWeight(sigma)
		r, dEx := reals.Example(ex), denoised.Example(ex)
		for ii := range dEx {
			diff := float64(dEx[ii]) - float64(r[ii])
			sum += w * diff * diff
		}
	}
	return sum / float64(denoised.Size())
}
