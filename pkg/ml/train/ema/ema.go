// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ema maintains an exponential moving average (EMA) "shadow" copy of the model parameters,
// with a warmup schedule for the decay rate.
//
// The shadow model is the one used to draw samples: it averages out the noise of the last optimizer
// steps. During the first steps the decay is small, so the shadow quickly forgets its random
// initialization.
package ema

import (
	"math"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// ParamPower is the context hyperparameter with the exponent of the warmup. Default is 0.75, good for
	// models trained for a few hundred thousand steps. 2/3 works better for longer training.
	ParamPower = "ema_power"

	// ParamMaxValue is the context hyperparameter with the maximum decay. Default is 0.999.
	ParamMaxValue = "ema_max_value"

	// ParamMinValue is the context hyperparameter with the minimum decay. Default is 0.
	ParamMinValue = "ema_min_value"

	// ParamInvGamma is the context hyperparameter with the inverse multiplicative factor of the step
	// count in the warmup. Default is 1.
	ParamInvGamma = "ema_inv_gamma"

	// ParamStartAt is the context hyperparameter with the step at which the warmup starts. Default is 0.
	ParamStartAt = "ema_start_at"
)

// State of the decay schedule, saved in checkpoints.
type State struct {
	Step int64 `json:"step"`
}

// Validate returns an error if the state can't have been produced by a Warmup.
func (s State) Validate() error {
	if s.Step < 0 {
		return errors.Errorf("EMA warmup: invalid state step %d", s.Step)
	}
	return nil
}

// Warmup is the decay schedule of the EMA. At step s (counted from StartAt) the decay is:
//
//	clamp(1 - (1 + s/InvGamma)^(-Power), MinValue, MaxValue)
//
// It is 0 at the first step and it increases monotonically towards MaxValue. Before StartAt it is 0.
// Note this is the warmup of the training script, not the simpler (1 - 1/(s+1))^Power: both start at 0,
// but here the distance to 1 shrinks as (1 + s/InvGamma)^(-Power) instead of about Power/s.
type Warmup struct {
	InvGamma, Power    float64
	MinValue, MaxValue float64
	StartAt            int64

	state State
}

// NewWarmup returns a Warmup with the default configuration.
func NewWarmup() *Warmup {
	return &Warmup{InvGamma: 1, Power: 0.75, MinValue: 0, MaxValue: 0.999}
}

// WarmupFromContext returns a Warmup configured from the context hyperparameters, see ParamPower and
// ParamMaxValue.
func WarmupFromContext(ctx *context.Context) (*Warmup, error) {
	w := NewWarmup()
	w.InvGamma = context.GetParamOr(ctx, ParamInvGamma, w.InvGamma)
	w.Power = context.GetParamOr(ctx, ParamPower, w.Power)
	w.MinValue = context.GetParamOr(ctx, ParamMinValue, w.MinValue)
	w.MaxValue = context.GetParamOr(ctx, ParamMaxValue, w.MaxValue)
	w.StartAt = int64(context.GetParamOr(ctx, ParamStartAt, 0))
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate the configuration.
func (w *Warmup) Validate() error {
	if !(w.InvGamma > 0) {
		return errors.Errorf("EMA warmup: inv_gamma must be > 0, got %g", w.InvGamma)
	}
	if !(w.Power > 0) {
		return errors.Errorf("EMA warmup: power must be > 0, got %g", w.Power)
	}
	if w.MinValue < 0 || w.MaxValue > 1 || w.MinValue > w.MaxValue {
		return errors.Errorf("EMA warmup: invalid range of values [%g, %g], it must be within [0, 1]",
			w.MinValue, w.MaxValue)
	}
	return nil
}

// ValueAt returns the decay for the given step.
func (w *Warmup) ValueAt(step int64) float64 {
	step -= w.StartAt
	if step < 0 {
		return 0
	}
	value := 1 - math.Pow(1+float64(step)/w.InvGamma, -w.Power)
	return min(max(value, w.MinValue), w.MaxValue)
}

// Value returns the decay for the current step.
func (w *Warmup) Value() float64 { return w.ValueAt(w.state.Step) }

// Step advances the schedule by one step.
func (w *Warmup) Step() { w.state.Step++ }

// State returns the current state, to be saved.
func (w *Warmup) State() State { return w.state }

// SetState restores a previously saved state.
func (w *Warmup) SetState(state State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	w.state = state
	return nil
}

// Update moves the shadow parameters towards the live ones: shadow = decay*shadow + (1-decay)*live,
// in place.
//
// It returns an error, without changing anything, if the parameters don't have the same names and shapes.
func Update(live, shadow []*model.Parameter, decay float64) error {
	if err := model.CheckSameStructure(live, shadow); err != nil {
		return errors.WithMessage(err, "EMA update")
	}
	if decay < 0 || decay > 1 {
		return errors.Errorf("EMA update: decay must be in [0, 1], got %g", decay)
	}
	for ii, p := range shadow {
		liveValues := live[ii].Value
		for jj, v := range p.Value {
			p.Value[jj] = float32(decay*float64(v) + (1-decay)*float64(liveValues[jj]))
		}
	}
	return nil
}
