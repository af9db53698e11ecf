// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampling implements the noise schedules and the ODE samplers used to draw images from a
// trained diffusion Denoiser.
package sampling

import (
	"math"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamSigmaMin is the context hyperparameter with the smallest non-zero noise level of the sampling schedule.
	// Default is 1e-2.
	ParamSigmaMin = "sigma_min"

	// ParamSigmaMax is the context hyperparameter with the largest noise level, also used to scale the
	// initial noise. Default is 80.
	ParamSigmaMax = "sigma_max"

	// ParamSteps is the context hyperparameter with the number of sampling steps. Default is 50.
	ParamSteps = "sample_steps"

	// ParamRho is the context hyperparameter with the rho of the Karras schedule. Default is 7.
	ParamRho = "sample_rho"

	// ParamOrder is the context hyperparameter with the order of the LMS sampler. Default is 4.
	ParamOrder = "sampler_order"
)

// KarrasSigmas builds the noise schedule of Karras et al. (2022): n sigmas going from sigmaMax down to
// sigmaMin, followed by a 0:
//
//	sigma_i = (sigmaMax^(1/rho) + i/(n-1) * (sigmaMin^(1/rho) - sigmaMax^(1/rho)))^rho
//
// Larger values of rho concentrate the steps at small sigmas. For n == 1 it returns [sigmaMax, 0].
func KarrasSigmas(n int, sigmaMin, sigmaMax, rho float64) ([]float64, error) {
	switch {
	case n < 1:
		return nil, errors.Errorf("KarrasSigmas: number of steps must be >= 1, got %d", n)
	case !(sigmaMin > 0) || !(sigmaMax > 0):
		return nil, errors.Errorf("KarrasSigmas: sigmaMin (%g) and sigmaMax (%g) must be > 0", sigmaMin, sigmaMax)
	case sigmaMin > sigmaMax:
		return nil, errors.Errorf("KarrasSigmas: sigmaMin (%g) must be <= sigmaMax (%g)", sigmaMin, sigmaMax)
	case !(rho > 0):
		return nil, errors.Errorf("KarrasSigmas: rho must be > 0, got %g", rho)
	}
	sigmas := make([]float64, n+1)
	if n == 1 {
		sigmas[0] = sigmaMax
		return sigmas, nil
	}
	minInvRho := math.Pow(sigmaMin, 1/rho)
	maxInvRho := math.Pow(sigmaMax, 1/rho)
	for ii := range n {
		ramp := float64(ii) / float64(n-1)
		sigmas[ii] = math.Pow(maxInvRho+ramp*(minInvRho-maxInvRho), rho)
	}
	// Exact end points, free of rounding.
	sigmas[0], sigmas[n-1] = sigmaMax, sigmaMin
	return sigmas, nil
}

// KarrasSigmasFromContext builds the schedule with the sampling hyperparameters of the context.
func KarrasSigmasFromContext(ctx *context.Context) ([]float64, error) {
	return KarrasSigmas(
		context.GetParamOr(ctx, ParamSteps, 50),
		context.GetParamOr(ctx, ParamSigmaMin, 1e-2),
		context.GetParamOr(ctx, ParamSigmaMax, 80.0),
		context.GetParamOr(ctx, ParamRho, 7.0))
}
