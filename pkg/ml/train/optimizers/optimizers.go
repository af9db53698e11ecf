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

// Package optimizers implements a collection of ML optimizers that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
package optimizers

import (
	"math"
	"slices"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Step applies one update to the parameters, using the gradients accumulated in their Grad,
	// with the given learning rate. The learning rate is given at every step, so it can be
	// scheduled by the caller.
	//
	// The parameters must be the same (same names and shapes, same order) at every call.
	Step(params []*model.Parameter, learningRate float64) error

	// State returns a copy of the internal state of the optimizer, to be saved in a checkpoint.
	State() *State

	// CheckState validates that the state matches the parameters and the optimizer configuration,
	// without changing anything.
	CheckState(params []*model.Parameter, state *State) error

	// SetState restores the state previously returned by State. It validates that the state
	// matches the parameters, and fails without changing anything otherwise.
	SetState(params []*model.Parameter, state *State) error
}

// State of an optimizer.
type State struct {
	// Step is the number of optimizer steps taken so far.
	Step int64 `json:"step"`

	// Hyper holds scalar hyperparameters saved along the state, e.g. Adam's "beta1" and "beta2".
	Hyper map[string]float64 `json:"hyper,omitempty"`

	// Slots maps a slot name (e.g. Adam's "exp_avg") to the per-parameter tensors, keyed by parameter name.
	Slots map[string]map[string]*tensors.Tensor `json:"-"`
}

// SlotNames returns the names of the slots, sorted.
func (s *State) SlotNames() []string {
	names := maps.Keys(s.Slots)
	slices.Sort(names)
	return names
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	cloned := &State{Step: s.Step, Hyper: make(map[string]float64, len(s.Hyper))}
	for k, v := range s.Hyper {
		cloned.Hyper[k] = v
	}
	if s.Slots != nil {
		cloned.Slots = make(map[string]map[string]*tensors.Tensor, len(s.Slots))
		for slot, perParam := range s.Slots {
			clonedPerParam := make(map[string]*tensors.Tensor, len(perParam))
			for name, t := range perParam {
				clonedPerParam[name] = t.Clone()
			}
			cloned.Slots[slot] = clonedPerParam
		}
	}
	return cloned
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":     func(ctx *context.Context) Interface { return StochasticGradientDescent().Done() },
		"adam":    func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamax":  func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
		"adamw":   func(ctx *context.Context) Interface { return Adam().WeightDecay(0.004).FromContext(ctx).Done() },
		"rmsprop": func(ctx *context.Context) Interface { return RMSProp().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "adam", and the valid values are the keys of KnownOptimizers.
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the default value of learning rate.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient step, after
	// being scaled by the learning rate and the optimizer.
	// Defaults to no clipping, and values are expected to be float64.
	ParamClipStepByValue = "clip_step_by_value"

	// ParamClipNaN will drop any updates with NaNs.
	// This is a double-edged option: it keeps training running, but probably it will replace NaNs with bad training results.
	//
	// The default is false.
	ParamClipNaN = "clip_nan"
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "adam".
func FromContext(ctx *context.Context) (Interface, error) {
	optName := context.GetParamOr(ctx, ParamOptimizer, "adam")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or an error if one does not exist.
// It uses KnownOptimizers.
func ByName(ctx *context.Context, optName string) (Interface, error) {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		names := maps.Keys(KnownOptimizers)
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", optName, names)
	}
	return optBuilder(ctx), nil
}

// clipConfig holds the clipping options shared by the optimizers.
type clipConfig struct {
	clipStepByValue float64
	clipNaN         bool
}

func (c *clipConfig) fromContext(ctx *context.Context) {
	c.clipStepByValue = context.GetParamOr(ctx, ParamClipStepByValue, c.clipStepByValue)
	c.clipNaN = context.GetParamOr(ctx, ParamClipNaN, c.clipNaN)
}

// apply returns the updated value, given the step to subtract.
func (c *clipConfig) apply(value float32, step float64) float32 {
	if c.clipStepByValue > 0 {
		step = min(max(step, -c.clipStepByValue), c.clipStepByValue)
	}
	updated := float64(value) - step
	if c.clipNaN && (math.IsNaN(updated) || math.IsInf(updated, 0)) {
		return value
	}
	return float32(updated)
}

// SGDConfig implements a Stochastic Gradient Descent optimizer.
type SGDConfig struct {
	clipConfig
	step int64

	// Whether to decay the learning rate with the step.
	useDecay bool
}

// StochasticGradientDescent creates an optimizer that performs SGD.
//
// Optionally it can decay the learning rate with the step: `learning_rate / Sqrt(step)`.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{}
}

// WithDecay sets whether to use a learning rate decay with the step.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.useDecay = enabled
	return sgd
}

// FromContext configures the clipping options from the context.
func (sgd *SGDConfig) FromContext(ctx *context.Context) *SGDConfig {
	sgd.fromContext(ctx)
	return sgd
}

// Done returns an optimizer.Interface.
// It's a no-op since SGDConfig is itself implements optimizer.Interface, but it keeps it consistent with
// the builder pattern.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// Step implements optimizers.Interface.
func (sgd *SGDConfig) Step(params []*model.Parameter, learningRate float64) error {
	sgd.step++
	if sgd.useDecay {
		learningRate /= math.Sqrt(float64(sgd.step))
	}
	for _, p := range params {
		for ii, g := range p.Grad {
			p.Value[ii] = sgd.apply(p.Value[ii], learningRate*float64(g))
		}
	}
	return nil
}

// State implements optimizers.Interface.
func (sgd *SGDConfig) State() *State {
	return &State{Step: sgd.step}
}

// CheckState implements optimizers.Interface.
func (sgd *SGDConfig) CheckState(_ []*model.Parameter, state *State) error {
	if state.Step < 0 {
		return errors.Errorf("SGD: invalid state step %d", state.Step)
	}
	if len(state.Slots) > 0 {
		return errors.Errorf("SGD has no state slots, but state has slots %q", state.SlotNames())
	}
	return nil
}

// SetState implements optimizers.Interface.
func (sgd *SGDConfig) SetState(params []*model.Parameter, state *State) error {
	if err := sgd.CheckState(params, state); err != nil {
		return err
	}
	sgd.step = state.Step
	return nil
}
