/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package inverselr implements an inverse-power decay schedule for the learning rate, with an
// exponential warmup. See New for details.
package inverselr

import (
	"math"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/pkg/errors"
)

var (
	// ParamInvGamma is the inverse multiplicative factor of the step in the decay: the learning rate
	// is halved (for power 1) after InvGamma steps. Default is 50000.
	ParamInvGamma = "lr_inv_gamma"

	// ParamPower is the exponent of the decay. Default is 0.5.
	ParamPower = "lr_power"

	// ParamWarmup is the exponential warmup factor, in [0, 1). The warmup multiplies the learning rate by
	// `1 - warmup^(step+1)`. 0 disables the warmup. Default is 0.99.
	ParamWarmup = "lr_warmup"

	// ParamMinLearningRate is the minimum learning rate the decay can reach (the warmup still applies).
	// Default is 0.
	ParamMinLearningRate = "lr_min"
)

// State of the schedule, saved in checkpoints.
type State struct {
	Step int64 `json:"step"`
}

// Validate returns an error if the state can't have been produced by a Schedule.
func (s State) Validate() error {
	if s.Step < 0 {
		return errors.Errorf("inverselr: invalid state step %d", s.Step)
	}
	return nil
}

// Config of the inverse-power schedule. New creates it, and once configured call Config.Done to
// create the Schedule.
type Config struct {
	invGamma, power         float64
	warmup, minLearningRate float64
}

// New creates a configuration for an inverse-power decay schedule with warmup. At step s (starting at 0)
// the learning rate is:
//
//	lr(s) = (1 - warmup^(s+1)) * max(minLR, baseLR * (1 + s/invGamma)^(-power))
//
// Example, reading the hyperparameters from the context:
//
//	sched, err := inverselr.New().FromContext(ctx).Done()
//	...
//	lr := sched.LearningRate(baseLR)
//	opt.Step(params, lr)
//	sched.Step()
func New() *Config {
	return &Config{invGamma: 50000, power: 0.5, warmup: 0.99}
}

// FromContext configures the schedule from the context, using the keys ParamInvGamma, ParamPower,
// ParamWarmup and ParamMinLearningRate.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.invGamma = context.GetParamOr(ctx, ParamInvGamma, c.invGamma)
	c.power = context.GetParamOr(ctx, ParamPower, c.power)
	c.warmup = context.GetParamOr(ctx, ParamWarmup, c.warmup)
	c.minLearningRate = context.GetParamOr(ctx, ParamMinLearningRate, c.minLearningRate)
	return c
}

// InvGamma sets the inverse multiplicative factor of the step count.
func (c *Config) InvGamma(invGamma float64) *Config {
	c.invGamma = invGamma
	return c
}

// Power sets the exponent of the decay.
func (c *Config) Power(power float64) *Config {
	c.power = power
	return c
}

// Warmup sets the exponential warmup factor. Set to 0 to disable it.
func (c *Config) Warmup(warmup float64) *Config {
	c.warmup = warmup
	return c
}

// MinLearningRate sets a floor to the decayed learning rate.
func (c *Config) MinLearningRate(minLearningRate float64) *Config {
	c.minLearningRate = minLearningRate
	return c
}

// Done validates the configuration and returns the Schedule, at step 0.
func (c *Config) Done() (*Schedule, error) {
	if !(c.invGamma > 0) {
		return nil, errors.Errorf("inverselr: inv_gamma must be > 0, got %g", c.invGamma)
	}
	if !(c.power >= 0) {
		return nil, errors.Errorf("inverselr: power must be >= 0, got %g", c.power)
	}
	if !(c.warmup >= 0 && c.warmup < 1) {
		return nil, errors.Errorf("inverselr: warmup must be in [0, 1), got %g", c.warmup)
	}
	if !(c.minLearningRate >= 0) {
		return nil, errors.Errorf("inverselr: min learning rate must be >= 0, got %g", c.minLearningRate)
	}
	return &Schedule{
		InvGamma:        c.invGamma,
		Power:           c.power,
		Warmup:          c.warmup,
		MinLearningRate: c.minLearningRate,
	}, nil
}

// Schedule of the learning rate. Its only mutable state is the step counter.
type Schedule struct {
	InvGamma, Power, Warmup, MinLearningRate float64

	state State
}

// WarmupFactor returns `1 - warmup^(step+1)`.
func (s *Schedule) WarmupFactor(step int64) float64 {
	return 1 - math.Pow(s.Warmup, float64(step+1))
}

// Decay returns `(1 + step/invGamma)^(-power)`.
func (s *Schedule) Decay(step int64) float64 {
	return math.Pow(1+float64(step)/s.InvGamma, -s.Power)
}

// Multiplier of the base learning rate at the given step, without the MinLearningRate floor.
func (s *Schedule) Multiplier(step int64) float64 {
	return s.WarmupFactor(step) * s.Decay(step)
}

// LearningRateAt returns the learning rate at the given step.
func (s *Schedule) LearningRateAt(step int64, baseLearningRate float64) float64 {
	return s.WarmupFactor(step) * max(s.MinLearningRate, baseLearningRate*s.Decay(step))
}

// LearningRate returns the learning rate for the current step.
func (s *Schedule) LearningRate(baseLearningRate float64) float64 {
	return s.LearningRateAt(s.state.Step, baseLearningRate)
}

// Step advances the schedule by one step. It is called once after each optimizer step.
func (s *Schedule) Step() { s.state.Step++ }

// State returns the current state, to be saved.
func (s *Schedule) State() State { return s.state }

// SetState restores a previously saved state.
func (s *Schedule) SetState(state State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.state = state
	return nil
}
