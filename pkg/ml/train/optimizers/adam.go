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

package optimizers

import (
	"math"
	"slices"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamBackoffSteps default to 0. Values > 0 prevents any gradient steps to be taken
	// for those many steps, to allow a better estimate of the momentum and variance.
	// See AdamConfig.WithBackoffSteps.
	ParamAdamBackoffSteps = "adam_backoff"

	// SlotExpAvg is the name of the state slot with the first moment of the gradients.
	SlotExpAvg = "exp_avg"

	// SlotExpAvgSq is the name of the state slot with the second moment of the gradients.
	SlotExpAvgSq = "exp_avg_sq"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizer.Interface that can be used with the `train.Trainer` or directly in a custom
// optimization loop.
//
// See [AdamConfig.FromContext] to configure it from the context hyperparameters.
//
// The update matches the common reference implementations (e.g. PyTorch's), with bias correction:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g²
//	p -= lr * (m / (1-beta1^t)) / (sqrt(v / (1-beta2^t)) + epsilon)
func Adam() *AdamConfig {
	return &AdamConfig{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it -- it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizer.Interface.
type AdamConfig struct {
	clipConfig
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
	backoffSteps int
}

// FromContext will configure Adam with hyperparameters set in the given context.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.Epsilon(context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon))
	c.WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, c.weightDecay))
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	c.backoffSteps = context.GetParamOr(ctx, ParamAdamBackoffSteps, c.backoffSteps)
	c.fromContext(ctx)
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
//
// Defaults to the value given in the AdamWeightDecay hyperparameter.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any gradient steps to be taken, until numSteps steps have been taken
// to allow for a better estimate of the gradient momentums (numerator) and variance of gradients (denominator)
// before the optimization start.
//
// If set to <= 0, no backoff is configured.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c}
}

// adam implements the Adam algorithm as an optimizer.Interface.
type adam struct {
	config AdamConfig
	step   int64

	// moment1 and moment2 per parameter name. moment1 is not used with RMSProp.
	moment1, moment2 map[string][]float32
	dims             map[string][]int
}

// Step implements optimizers.Interface.
func (o *adam) Step(params []*model.Parameter, learningRate float64) error {
	if o.moment2 == nil {
		o.moment1 = make(map[string][]float32, len(params))
		o.moment2 = make(map[string][]float32, len(params))
		o.dims = make(map[string][]int, len(params))
	}
	for _, p := range params {
		if m2, found := o.moment2[p.Name]; found && len(m2) != p.Size() {
			return errors.Errorf("Adam: parameter %q changed size from %d to %d", p.Name, len(m2), p.Size())
		}
	}
	o.step++
	if o.config.backoffSteps > 0 && o.step <= int64(o.config.backoffSteps) {
		learningRate = 0
	}
	beta1, beta2, epsilon := o.config.beta1, o.config.beta2, o.config.epsilon
	debiasTermBeta1 := 1 / (1 - math.Pow(beta1, float64(o.step)))
	debiasTermBeta2 := 1 / (1 - math.Pow(beta2, float64(o.step)))
	for _, p := range params {
		m1, m2 := o.moments(p)
		for ii, g32 := range p.Grad {
			g := float64(g32)
			debiasedMoment1 := g
			if !o.config.rmsProp {
				m1[ii] = float32(beta1*float64(m1[ii]) + (1-beta1)*g)
				debiasedMoment1 = float64(m1[ii]) * debiasTermBeta1
			}
			var denominator float64
			if o.config.adamax {
				m2[ii] = float32(max(beta2*float64(m2[ii]), math.Abs(g)))
				denominator = float64(m2[ii]) + epsilon
			} else {
				m2[ii] = float32(beta2*float64(m2[ii]) + (1-beta2)*g*g)
				denominator = math.Sqrt(float64(m2[ii])*debiasTermBeta2) + epsilon
			}
			stepDirection := learningRate * debiasedMoment1 / denominator
			// Weight decay: also scaled by the learning rate.
			if o.config.weightDecay > 0 {
				stepDirection += learningRate * o.config.weightDecay * float64(p.Value[ii])
			}
			p.Value[ii] = o.config.apply(p.Value[ii], stepDirection)
		}
	}
	return nil
}

// moments returns the moments of the parameter, creating them (zero-initialized) if needed.
func (o *adam) moments(p *model.Parameter) (m1, m2 []float32) {
	m2, found := o.moment2[p.Name]
	if !found {
		m2 = make([]float32, p.Size())
		o.moment2[p.Name] = m2
		o.dims[p.Name] = slices.Clone(p.Dimensions)
	}
	if !o.config.rmsProp {
		m1, found = o.moment1[p.Name]
		if !found {
			m1 = make([]float32, p.Size())
			o.moment1[p.Name] = m1
		}
	}
	return m1, m2
}

// State implements optimizers.Interface.
func (o *adam) State() *State {
	state := &State{
		Step: o.step,
		Hyper: map[string]float64{
			"beta1":   o.config.beta1,
			"beta2":   o.config.beta2,
			"epsilon": o.config.epsilon,
		},
		Slots: map[string]map[string]*tensors.Tensor{SlotExpAvgSq: {}},
	}
	if !o.config.rmsProp {
		state.Slots[SlotExpAvg] = map[string]*tensors.Tensor{}
		for name, m := range o.moment1 {
			state.Slots[SlotExpAvg][name] = tensors.FromFlatData(slices.Clone(m), o.dims[name]...)
		}
	}
	for name, m := range o.moment2 {
		state.Slots[SlotExpAvgSq][name] = tensors.FromFlatData(slices.Clone(m), o.dims[name]...)
	}
	return state
}

// CheckState implements optimizers.Interface.
func (o *adam) CheckState(params []*model.Parameter, state *State) error {
	if state.Step < 0 {
		return errors.Errorf("Adam: invalid state step %d", state.Step)
	}
	wantSlots := []string{SlotExpAvg, SlotExpAvgSq}
	if o.config.rmsProp {
		wantSlots = []string{SlotExpAvgSq}
	}
	if !slices.Equal(state.SlotNames(), wantSlots) {
		return errors.Errorf("Adam: state has slots %q, wanted %q", state.SlotNames(), wantSlots)
	}
	for key, want := range map[string]float64{"beta1": o.config.beta1, "beta2": o.config.beta2} {
		if v, found := state.Hyper[key]; found && v != want {
			return errors.Errorf("Adam: state was saved with %s=%g, but optimizer is configured with %g",
				key, v, want)
		}
	}
	dims := make(map[string][]int, len(params))
	for _, p := range params {
		dims[p.Name] = p.Dimensions
	}
	for _, slot := range wantSlots {
		perParam := state.Slots[slot]
		// An empty slot means no step was taken yet.
		if len(perParam) == 0 {
			continue
		}
		if len(perParam) != len(params) {
			return errors.Errorf("Adam: state slot %q has %d tensors, but there are %d parameters",
				slot, len(perParam), len(params))
		}
		for name, t := range perParam {
			d, found := dims[name]
			if !found {
				return errors.Errorf("Adam: state slot %q has unknown parameter %q", slot, name)
			}
			if !slices.Equal(t.Dimensions, d) {
				return errors.Errorf("Adam: state slot %q for parameter %q has dimensions %v, wanted %v",
					slot, name, t.Dimensions, d)
			}
		}
	}
	return nil
}

// SetState implements optimizers.Interface.
func (o *adam) SetState(params []*model.Parameter, state *State) error {
	if err := o.CheckState(params, state); err != nil {
		return err
	}
	o.step = state.Step
	o.moment1 = make(map[string][]float32, len(params))
	o.moment2 = make(map[string][]float32, len(params))
	o.dims = make(map[string][]int, len(params))
	for name, t := range state.Slots[SlotExpAvg] {
		o.moment1[name] = slices.Clone(t.Data)
	}
	for name, t := range state.Slots[SlotExpAvgSq] {
		o.moment2[name] = slices.Clone(t.Data)
		o.dims[name] = slices.Clone(t.Dimensions)
	}
	return nil
}
