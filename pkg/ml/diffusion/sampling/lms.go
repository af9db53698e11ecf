// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampling

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate/quad"
	"k8s.io/klog/v2"
)

// DenoiseFn returns the denoised estimate of the batch x at noise level sigma.
// diffusion.Denoiser.DenoiseAt is one.
type DenoiseFn func(x *tensors.Tensor, sigma float64) *tensors.Tensor

// CallbackFn is called after each denoiser evaluation of a sampler, with the index of the step, its
// noise level, the next noise level, the current x (before the step is applied) and the denoised estimate.
type CallbackFn func(step int, sigma, sigmaNext float64, x, denoised *tensors.Tensor)

// LMSConfig holds the configuration of the LMS sampler. Create it with LMS, and run it with Done.
type LMSConfig struct {
	denoise  DenoiseFn
	x        *tensors.Tensor
	sigmas   []float64
	order    int
	callback CallbackFn
}

// LMS configures a linear multistep sampler (order 4 by default) that integrates the probability flow
// ODE dx/dsigma = (x - D(x, sigma))/sigma from sigmas[0] down to the last sigma (usually 0), starting
// from x (usually noise scaled by sigmas[0]).
//
// The first steps use a lower order, since there is not enough history of derivatives.
// The denoiser is evaluated once per step, never at the final sigma.
//
// Call Done to run the sampler.
func LMS(denoise DenoiseFn, x *tensors.Tensor, sigmas []float64) *LMSConfig {
	return &LMSConfig{denoise: denoise, x: x, sigmas: sigmas, order: 4}
}

// Order sets the maximum order of the method. Order 1 is Euler's method.
func (c *LMSConfig) Order(order int) *LMSConfig {
	c.order = order
	return c
}

// Callback sets a function called after every denoiser evaluation.
func (c *LMSConfig) Callback(fn CallbackFn) *LMSConfig {
	c.callback = fn
	return c
}

// Done runs the sampler and returns the final x. The input x is not modified.
func (c *LMSConfig) Done() (*tensors.Tensor, error) {
	if c.order < 1 {
		return nil, errors.Errorf("LMS sampler: order must be >= 1, got %d", c.order)
	}
	if len(c.sigmas) < 2 {
		return nil, errors.Errorf("LMS sampler: schedule must have at least 2 sigmas, got %d", len(c.sigmas))
	}
	x := c.x.Clone()
	var history []*tensors.Tensor // Derivatives, the oldest first.
	numSteps := len(c.sigmas) - 1
	for i := range numSteps {
		sigma, sigmaNext := c.sigmas[i], c.sigmas[i+1]
		denoised := c.denoise(x, sigma)
		if !tensors.SameShape(denoised, x) {
			return nil, errors.Errorf("LMS sampler: denoiser returned shape %v for input shaped %v",
				denoised.Dimensions, x.Dimensions)
		}
		d := tensors.ZerosLike(x)
		for ii, v := range x.Data {
			d.Data[ii] = float32((float64(v) - float64(denoised.Data[ii])) / sigma)
		}
		history = append(history, d)
		if len(history) > c.order {
			history = history[1:]
		}
		if c.callback != nil {
			c.callback(i, sigma, sigmaNext, x, denoised)
		}
		curOrder := min(i+1, c.order)
		coeffs := make([]float64, curOrder)
		for j := range curOrder {
			coeffs[j] = LMSCoefficient(curOrder, c.sigmas, i, j)
		}
		klog.V(2).Infof("LMS step %d/%d: sigma=%g, sigmaNext=%g, order=%d", i+1, numSteps, sigma, sigmaNext, curOrder)
		// history[len-1-j] is the derivative at sigmas[i-j].
		for j, coeff := range coeffs {
			deriv := history[len(history)-1-j]
			for ii, v := range deriv.Data {
				x.Data[ii] += float32(coeff * float64(v))
			}
		}
	}
	return x, nil
}

// LMSCoefficient returns the coefficient of the derivative at sigmas[i-j], for the step from sigmas[i]
// to sigmas[i+1] of a linear multistep method of the given order: the integral over that step of the
// j-th Lagrange basis polynomial through sigmas[i], ..., sigmas[i-order+1].
//
// It requires i >= order-1 and 0 <= j < order.
func LMSCoefficient(order int, sigmas []float64, i, j int) float64 {
	if order < 1 || j < 0 || j >= order || i-(order-1) < 0 || i+1 >= len(sigmas) {
		exceptions.Panicf("LMSCoefficient(order=%d, i=%d, j=%d) invalid for %d sigmas", order, i, j, len(sigmas))
	}
	basis := func(tau float64) float64 {
		prod := 1.0
		for k := range order {
			if k == j {
				continue
			}
			prod *= (tau - sigmas[i-k]) / (sigmas[i-j] - sigmas[i-k])
		}
		return prod
	}
	// Gauss-Legendre with `order` points is exact for the polynomials of degree order-1 integrated here.
	// quad.Fixed requires min <= max, and sigmas are decreasing.
	from, to := sigmas[i], sigmas[i+1]
	if from > to {
		return -quad.Fixed(basis, to, from, order, quad.Legendre{}, 0)
	}
	return quad.Fixed(basis, from, to, order, quad.Legendre{}, 0)
}
