// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParams() []*model.Parameter {
	w := model.NewParameter("dense/weights", 2, 2)
	b := model.NewParameter("dense/biases", 2)
	copy(w.Value, []float32{1, -1, 0.5, 2})
	copy(b.Value, []float32{0, 0.25})
	return []*model.Parameter{w, b}
}

func setGrads(params []*model.Parameter, step int) {
	for ii, p := range params {
		for jj := range p.Grad {
			p.Grad[jj] = float32(math.Sin(float64(step+1)*float64(ii*7+jj+1))) * 0.1
		}
	}
}

func TestAdam(t *testing.T) {
	const lr, beta1, beta2, eps = 0.01, 0.95, 0.999, 1e-8
	params := newParams()
	opt := Adam().Betas(beta1, beta2).Epsilon(eps).Done()

	// Reference implementation, in float64.
	want := make([][]float64, len(params))
	m1 := make([][]float64, len(params))
	m2 := make([][]float64, len(params))
	for ii, p := range params {
		for _, v := range p.Value {
			want[ii] = append(want[ii], float64(v))
		}
		m1[ii] = make([]float64, p.Size())
		m2[ii] = make([]float64, p.Size())
	}
	for step := range 5 {
		setGrads(params, step)
		require.NoError(t, opt.Step(params, lr))
		tt := float64(step + 1)
		for ii, p := range params {
			for jj, g32 := range p.Grad {
				g := float64(g32)
				m1[ii][jj] = beta1*m1[ii][jj] + (1-beta1)*g
				m2[ii][jj] = beta2*m2[ii][jj] + (1-beta2)*g*g
				mHat := m1[ii][jj] / (1 - math.Pow(beta1, tt))
				vHat := m2[ii][jj] / (1 - math.Pow(beta2, tt))
				want[ii][jj] -= lr * mHat / (math.Sqrt(vHat) + eps)
				assert.InDeltaf(t, want[ii][jj], float64(p.Value[jj]), 1e-5, "step %d, %s[%d]", step, p.Name, jj)
			}
		}
	}
	assert.Equal(t, int64(5), opt.State().Step)
}

func TestAdamConstantGradient(t *testing.T) {
	// With a constant gradient, every step moves the parameter by the learning rate.
	p := model.NewParameter("x")
	p.Value[0] = 1
	p.Grad[0] = 0.5
	opt := Adam().Done()
	for range 3 {
		require.NoError(t, opt.Step([]*model.Parameter{p}, 0.1))
	}
	assert.InDelta(t, 0.7, float64(p.Value[0]), 1e-5)
}

func TestAdamState(t *testing.T) {
	params := newParams()
	opt := Adam().Betas(0.95, 0.999).Done()
	for step := range 3 {
		setGrads(params, step)
		require.NoError(t, opt.Step(params, 1e-2))
	}
	state := opt.State()
	assert.Equal(t, []string{SlotExpAvg, SlotExpAvgSq}, state.SlotNames())
	assert.Equal(t, []int{2, 2}, state.Slots[SlotExpAvg]["dense/weights"].Dimensions)
	assert.Equal(t, 0.95, state.Hyper["beta1"])

	// Restore into a new optimizer with a copy of the parameters: both continue identically.
	params2 := newParams()
	require.NoError(t, model.CopyValues(params2, params))
	opt2 := Adam().Betas(0.95, 0.999).Done()
	require.NoError(t, opt2.SetState(params2, state.Clone()))
	setGrads(params, 3)
	setGrads(params2, 3)
	require.NoError(t, opt.Step(params, 1e-2))
	require.NoError(t, opt2.Step(params2, 1e-2))
	for ii := range params {
		assert.Equal(t, params[ii].Value, params2[ii].Value)
	}

	t.Run("mismatches", func(t *testing.T) {
		other := []*model.Parameter{model.NewParameter("dense/weights", 3, 2), model.NewParameter("dense/biases", 2)}
		assert.Error(t, Adam().Betas(0.95, 0.999).Done().SetState(other, state))
		assert.Error(t, Adam().Betas(0.9, 0.999).Done().SetState(params, state))
		assert.Error(t, RMSProp().Betas(0.95, 0.999).Done().SetState(params, state))
		assert.Error(t, StochasticGradientDescent().Done().SetState(params, state))
	})
}

func TestAdamVariants(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  Interface
	}{
		{"adamax", Adam().Adamax().Done()},
		{"adamw", Adam().WeightDecay(0.1).Done()},
		{"rmsprop", RMSProp().Done()},
		{"backoff", Adam().WithBackoffSteps(1).Done()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			params := newParams()
			before := append([]float32(nil), params[0].Value...)
			setGrads(params, 0)
			require.NoError(t, tc.opt.Step(params, 0.1))
			if tc.name == "backoff" {
				assert.Equal(t, before, params[0].Value)
				return
			}
			assert.NotEqual(t, before, params[0].Value)
			for _, v := range params[0].Value {
				assert.False(t, math.IsNaN(float64(v)))
			}
		})
	}
}

func TestClipping(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamClipStepByValue: 0.01, ParamClipNaN: true})
	p := model.NewParameter("x", 2)
	p.Grad[0] = 1
	p.Grad[1] = float32(math.NaN())
	opt := StochasticGradientDescent().FromContext(ctx).Done()
	require.NoError(t, opt.Step([]*model.Parameter{p}, 1))
	assert.InDelta(t, -0.01, float64(p.Value[0]), 1e-7)
	assert.Equal(t, float32(0), p.Value[1])
}

func TestSGD(t *testing.T) {
	p := model.NewParameter("x")
	p.Value[0] = 1
	p.Grad[0] = 2
	opt := StochasticGradientDescent().WithDecay(true).Done()
	require.NoError(t, opt.Step([]*model.Parameter{p}, 0.1))
	assert.InDelta(t, 0.8, float64(p.Value[0]), 1e-7)
	require.NoError(t, opt.Step([]*model.Parameter{p}, 0.1))
	assert.InDelta(t, 0.8-0.2/math.Sqrt2, float64(p.Value[0]), 1e-6)
	assert.Equal(t, int64(2), opt.State().Step)
}

func TestByName(t *testing.T) {
	ctx := context.New()
	opt, err := FromContext(ctx)
	require.NoError(t, err)
	assert.IsType(t, &adam{}, opt)
	ctx.SetParam(ParamAdamBeta1, 0.95)
	opt, err = ByName(ctx, "adam")
	require.NoError(t, err)
	assert.Equal(t, 0.95, opt.(*adam).config.beta1)
	_, err = ByName(ctx, "lion")
	assert.Error(t, err)
}
