// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndViews(t *testing.T) {
	x := FromFlatData([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, 6, x.Size())
	assert.Equal(t, 2, x.Rank())
	assert.Equal(t, 3, x.BatchSize())
	assert.Equal(t, 2, x.ExampleSize())
	assert.Equal(t, []float32{3, 4}, x.Example(1))

	view := x.BatchSlice(1, 3)
	assert.Equal(t, []int{2, 2}, view.Dimensions)
	view.Data[0] = 30
	assert.Equal(t, float32(30), x.Data[2], "BatchSlice should share storage")

	cloned := x.Clone()
	cloned.Data[0] = -1
	assert.Equal(t, float32(1), x.Data[0])
	assert.True(t, SameShape(x, cloned))
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, ZerosLike(x).Data)

	require.Panics(t, func() { FromFlatData([]float32{1, 2}, 3) })
	require.Panics(t, func() { x.BatchSlice(2, 4) })
}

func TestConcatenate(t *testing.T) {
	a := FromFlatData([]float32{1, 2}, 1, 2)
	b := FromFlatData([]float32{3, 4, 5, 6}, 2, 2)
	c := Concatenate(a, b)
	assert.Equal(t, []int{3, 2}, c.Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data)
	require.Panics(t, func() { Concatenate(a, New(1, 3)) })
}

func TestHasNonFinite(t *testing.T) {
	x := New(2, 2)
	assert.False(t, x.HasNonFinite())
	x.Data[3] = float32(math.NaN())
	assert.True(t, x.HasNonFinite())
	assert.Contains(t, x.String(), "(Float32)[2 2]")
}
