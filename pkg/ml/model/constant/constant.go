// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package constant implements a toy backbone that ignores its inputs and returns a single trainable
// constant everywhere. It is used to exercise the diffusion machinery in tests.
package constant

import (
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
)

// ParamName is the name of the only parameter of the backbone.
const ParamName = "constant/value"

// Backbone returns the value of its only parameter for every output element.
type Backbone struct {
	value *model.Parameter
}

var _ model.Backbone = (*Backbone)(nil)
var _ model.Cloner = (*Backbone)(nil)

// New creates a constant backbone initialized to the given value.
func New(value float32) *Backbone {
	p := model.NewParameter(ParamName)
	p.Value[0] = value
	return &Backbone{value: p}
}

// Forward implements model.Backbone.
func (b *Backbone) Forward(x *tensors.Tensor, _ []float32) (*tensors.Tensor, model.BackwardFn) {
	y := tensors.ZerosLike(x)
	v := b.value.Value[0]
	for ii := range y.Data {
		y.Data[ii] = v
	}
	backward := func(outputGrad *tensors.Tensor) {
		var sum float64
		for _, g := range outputGrad.Data {
			sum += float64(g)
		}
		b.value.Grad[0] += float32(sum)
	}
	return y, backward
}

// Parameters implements model.Backbone.
func (b *Backbone) Parameters() []*model.Parameter {
	return []*model.Parameter{b.value}
}

// Clone implements model.Cloner.
func (b *Backbone) Clone() model.Backbone {
	return New(b.value.Value[0])
}
