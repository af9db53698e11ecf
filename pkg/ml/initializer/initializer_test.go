// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/stretchr/testify/assert"
)

func TestXavierUniform(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	w := model.NewParameter("w", 10, 20)
	XavierUniform(rng)(w)
	limit := math.Sqrt(6.0 / 30.0)
	var nonZero int
	for _, v := range w.Value {
		assert.LessOrEqual(t, math.Abs(float64(v)), limit)
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 150)

	b := model.NewParameter("b", 20)
	One(b)
	XavierUniform(rng)(b)
	for _, v := range b.Value {
		assert.Equal(t, float32(0), v)
	}
}

func TestDeterministic(t *testing.T) {
	a, b := model.NewParameter("a", 4, 4), model.NewParameter("b", 4, 4)
	He(rand.New(rand.NewPCG(7, 7)))(a)
	He(rand.New(rand.NewPCG(7, 7)))(b)
	assert.Equal(t, a.Value, b.Value)
}
