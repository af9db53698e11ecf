// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gns estimates the gradient noise scale (McCandlish et al. 2018, "An Empirical Model of
// Large-Batch Training") from the squared norms of the gradients of two batch sizes: the local batch of
// one worker, and the global batch after the gradients are averaged over all workers.
//
// The gradient noise scale S/|G|² is the batch size beyond which larger batches give diminishing returns.
package gns

import (
	"math"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/support/xslices"
	"github.com/pkg/errors"
)

const (
	// ParamBeta is the context hyperparameter with the decay of the moving averages of the estimates.
	// Default is 0.9998.
	ParamBeta = "gns_beta"

	// ParamEpsilon is the context hyperparameter with the smallest denominator used by Estimator.GNS.
	// Default is 1e-8.
	ParamEpsilon = "gns_epsilon"
)

// State of the Estimator, saved in checkpoints.
type State struct {
	// EMASqNorm is the (biased) moving average of the estimates of the squared norm of the true gradient, |G|².
	EMASqNorm float64 `json:"ema_sq_norm"`

	// EMAVar is the (biased) moving average of the estimates of the trace of the covariance of the
	// per-example gradients, S.
	EMAVar float64 `json:"ema_var"`

	// NumUpdates is used to correct the bias of the moving averages.
	NumUpdates int64 `json:"n_updates"`
}

// Validate returns an error if the state can't have been produced by an Estimator.
func (s State) Validate() error {
	if s.NumUpdates < 0 {
		return errors.Errorf("gns: invalid number of updates %d in state", s.NumUpdates)
	}
	return nil
}

// Estimator of the gradient noise scale.
type Estimator struct {
	Beta, Epsilon float64
	state         State
}

// New creates an Estimator with the given moving average decay.
func New(beta float64) *Estimator {
	return &Estimator{Beta: beta, Epsilon: 1e-8}
}

// FromContext creates an Estimator configured from the context hyperparameters ParamBeta and ParamEpsilon.
func FromContext(ctx *context.Context) (*Estimator, error) {
	e := New(context.GetParamOr(ctx, ParamBeta, 0.9998))
	e.Epsilon = context.GetParamOr(ctx, ParamEpsilon, e.Epsilon)
	if !(e.Beta >= 0 && e.Beta < 1) {
		return nil, errors.Errorf("gns: beta must be in [0, 1), got %g", e.Beta)
	}
	if !(e.Epsilon > 0) {
		return nil, errors.Errorf("gns: epsilon must be > 0, got %g", e.Epsilon)
	}
	return e, nil
}

// Update the estimates with the squared norms of the gradients of a small batch (of smallSize examples)
// and of a large batch (of largeSize examples):
//
//	|G|² ≈ (largeSize*largeNorm - smallSize*smallNorm) / (largeSize - smallSize)
//	S ≈ (smallNorm - largeNorm) / (1/smallSize - 1/largeSize)
//
// If the sizes are equal (e.g. a single worker) the estimates are undefined and Update is a no-op.
func (e *Estimator) Update(smallNorm, largeNorm float64, smallSize, largeSize int) {
	if smallSize == largeSize || smallSize <= 0 || largeSize <= 0 {
		return
	}
	b, bigB := float64(smallSize), float64(largeSize)
	estSqNorm := (bigB*largeNorm - b*smallNorm) / (bigB - b)
	estVar := (smallNorm - largeNorm) / (1/b - 1/bigB)
	if math.IsNaN(estSqNorm) || math.IsNaN(estVar) {
		return
	}
	e.state.EMASqNorm = e.Beta*e.state.EMASqNorm + (1-e.Beta)*estSqNorm
	e.state.EMAVar = e.Beta*e.state.EMAVar + (1-e.Beta)*estVar
	e.state.NumUpdates++
}

// SqNorm returns the bias-corrected moving average estimate of |G|², or 0 if there were no updates.
func (e *Estimator) SqNorm() float64 {
	if e.state.NumUpdates == 0 {
		return 0
	}
	return e.state.EMASqNorm / (1 - math.Pow(e.Beta, float64(e.state.NumUpdates)))
}

// Var returns the bias-corrected moving average estimate of S, or 0 if there were no updates.
func (e *Estimator) Var() float64 {
	if e.state.NumUpdates == 0 {
		return 0
	}
	return e.state.EMAVar / (1 - math.Pow(e.Beta, float64(e.state.NumUpdates)))
}

// GNS returns the current estimate of the gradient noise scale S/max(|G|², epsilon), or NaN if there
// were no updates yet (e.g.: training with a single worker).
func (e *Estimator) GNS() float64 {
	if e.state.NumUpdates == 0 {
		return math.NaN()
	}
	return e.Var() / max(e.SqNorm(), e.Epsilon)
}

// State returns the current state, to be saved.
func (e *Estimator) State() State { return e.state }

// SetState restores a previously saved state.
func (e *Estimator) SetState(state State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	e.state = state
	return nil
}

// StatsHook collects the squared norms of the gradients around their all-reduce: it's the statistics
// capability of the gradient reduction of the trainer.
type StatsHook struct {
	smallNorm, largeNorm float64
}

// BeforeReduce records the squared norm of the local gradients (the small batch).
func (h *StatsHook) BeforeReduce(params []*model.Parameter) {
	h.smallNorm = gradSquaredNorm(params)
}

// AfterReduce records the squared norm of the averaged gradients (the large batch).
func (h *StatsHook) AfterReduce(params []*model.Parameter) {
	h.largeNorm = gradSquaredNorm(params)
}

// Stats returns the last recorded pair of squared norms.
func (h *StatsHook) Stats() (smallNorm, largeNorm float64) {
	return h.smallNorm, h.largeNorm
}

func gradSquaredNorm(params []*model.Parameter) float64 {
	var sum float64
	for _, p := range params {
		sum += xslices.SquaredNorm(p.Grad)
	}
	return sum
}
