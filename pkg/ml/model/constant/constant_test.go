// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package constant

import (
	"testing"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
)

func TestBackbone(t *testing.T) {
	b := New(0.25)
	x := tensors.New(2, 1, 1, 3)
	y, backward := b.Forward(x, []float32{0, 1})
	assert.Equal(t, x.Dimensions, y.Dimensions)
	for _, v := range y.Data {
		assert.Equal(t, float32(0.25), v)
	}
	grad := tensors.ZerosLike(y)
	for ii := range grad.Data {
		grad.Data[ii] = 0.5
	}
	backward(grad)
	assert.Equal(t, float32(3), b.Parameters()[0].Grad[0])

	cloned := b.Clone()
	cloned.Parameters()[0].Value[0] = 1
	assert.Equal(t, float32(0.25), b.Parameters()[0].Value[0])
}
