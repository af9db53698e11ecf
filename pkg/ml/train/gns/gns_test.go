// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gns

import (
	"math"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator(t *testing.T) {
	e := New(0.9998)
	assert.True(t, math.IsNaN(e.GNS()), "no estimate before the first update")

	// Exact readings for |G|² = 2 and S = 50.
	const sqNorm, variance = 2.0, 50.0
	small, large := 16, 64
	smallNorm := sqNorm + variance/float64(small)
	largeNorm := sqNorm + variance/float64(large)
	for range 10 {
		e.Update(smallNorm, largeNorm, small, large)
	}
	assert.Equal(t, int64(10), e.State().NumUpdates)
	assert.InDelta(t, sqNorm, e.SqNorm(), 1e-9)
	assert.InDelta(t, variance, e.Var(), 1e-7)
	assert.InDelta(t, variance/sqNorm, e.GNS(), 1e-7)

	// Noisy readings converge to the closed form.
	noisy := New(0.99)
	for ii := range 5000 {
		jitter := 0.1
		if ii%2 == 1 {
			jitter = -0.1
		}
		noisy.Update(smallNorm+jitter, largeNorm+jitter/4, small, large)
	}
	assert.InDelta(t, variance/sqNorm, noisy.GNS(), 0.5)
}

func TestEstimatorDegenerate(t *testing.T) {
	// Equal batch sizes (a single worker) never produce an estimate.
	single := New(0.9)
	for range 5 {
		single.Update(3, 2, 8, 8)
	}
	assert.Equal(t, int64(0), single.State().NumUpdates)
	assert.True(t, math.IsNaN(single.GNS()))
	assert.Equal(t, 0.0, single.SqNorm())

	e := New(0.9)
	e.Update(3, 2, 8, 16)
	before := e.State()
	e.Update(3, 2, 8, 8)
	e.Update(3, 2, 0, 8)
	assert.Equal(t, before, e.State())

	// GNS uses epsilon when |G|² is not positive.
	e2 := New(0.9)
	e2.Epsilon = 0.5
	e2.Update(2, 1, 1, 2) // |G|² = 0, S = 2.
	assert.InDelta(t, 0.0, e2.SqNorm(), 1e-12)
	assert.InDelta(t, 4.0, e2.GNS(), 1e-9)
}

func TestState(t *testing.T) {
	e := New(0.9998)
	e.Update(3, 2, 8, 16)
	e.Update(3.5, 2.1, 8, 16)
	restored := New(0.9998)
	require.NoError(t, restored.SetState(e.State()))
	assert.Equal(t, e.GNS(), restored.GNS())
	assert.Error(t, restored.SetState(State{NumUpdates: -1}))
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	e, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.9998, e.Beta)
	ctx.SetParam(ParamBeta, 1.0)
	_, err = FromContext(ctx)
	assert.Error(t, err)
}

func TestStatsHook(t *testing.T) {
	p := model.NewParameter("w", 2)
	p.Grad[0], p.Grad[1] = 3, 4
	var hook StatsHook
	hook.BeforeReduce([]*model.Parameter{p})
	p.Grad[0], p.Grad[1] = 1, 0
	hook.AfterReduce([]*model.Parameter{p})
	small, large := hook.Stats()
	assert.Equal(t, 25.0, small)
	assert.Equal(t, 1.0, large)
}
