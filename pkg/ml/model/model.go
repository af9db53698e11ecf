// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract of a trainable backbone used by the diffusion Denoiser: a function
// of a scaled noisy image and a scaled noise level, with named parameters that can be trained,
// copied (for the EMA shadow), saved and restored.
package model

import (
	"slices"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Parameter is a named trainable tensor, with its gradient accumulator.
type Parameter struct {
	Name       string
	Dimensions []int

	// Value holds the flat parameter values, row-major.
	Value []float32

	// Grad accumulates the gradient of the loss with respect to Value. See ZeroGrads.
	Grad []float32
}

// NewParameter creates a zero-initialized parameter (and its gradient) with the given dimensions.
func NewParameter(name string, dimensions ...int) *Parameter {
	size := tensors.Size(dimensions)
	return &Parameter{
		Name:       name,
		Dimensions: slices.Clone(dimensions),
		Value:      make([]float32, size),
		Grad:       make([]float32, size),
	}
}

// Size returns the number of values of the parameter.
func (p *Parameter) Size() int { return len(p.Value) }

// BackwardFn accumulates into the parameters' Grad the gradient of the loss, given the gradient of the
// loss with respect to the output of the corresponding Forward call.
type BackwardFn func(outputGrad *tensors.Tensor)

// Backbone is the opaque trainable network wrapped by the Denoiser.
//
// Forward is given the batch of scaled images x (shaped `[batch_size, height, width, channels]`) and one
// conditioning value per example (the scaled noise level), and it returns a tensor shaped as x.
// The returned BackwardFn can be called at most once; callers not interested in gradients simply
// ignore it.
//
// Forward must be safe to call concurrently on different inputs, as long as Backward functions are
// not called concurrently.
type Backbone interface {
	Forward(x *tensors.Tensor, cond []float32) (*tensors.Tensor, BackwardFn)
	Parameters() []*Parameter
}

// Cloner is implemented by backbones that can create an independent copy of themselves, with the
// same configuration and a deep copy of the parameters. It is used to create the EMA shadow model.
type Cloner interface {
	Clone() Backbone
}

// ZeroGrads sets all gradients of the parameters to 0.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// NumParams returns the total number of values of all parameters.
func NumParams(params []*Parameter) int {
	var n int
	for _, p := range params {
		n += p.Size()
	}
	return n
}

// FlattenGrads appends the gradients of all parameters into one flat slice, in parameter order.
func FlattenGrads(params []*Parameter, buf []float32) []float32 {
	buf = buf[:0]
	for _, p := range params {
		buf = append(buf, p.Grad...)
	}
	return buf
}

// UnflattenGrads copies the flat slice (as created by FlattenGrads) back into the gradients.
func UnflattenGrads(params []*Parameter, flat []float32) {
	pos := 0
	for _, p := range params {
		pos += copy(p.Grad, flat[pos:pos+len(p.Grad)])
	}
}

// FlattenValues appends the values of all parameters into one flat slice, in parameter order.
func FlattenValues(params []*Parameter, buf []float32) []float32 {
	buf = buf[:0]
	for _, p := range params {
		buf = append(buf, p.Value...)
	}
	return buf
}

// UnflattenValues copies the flat slice (as created by FlattenValues) back into the values.
func UnflattenValues(params []*Parameter, flat []float32) {
	pos := 0
	for _, p := range params {
		pos += copy(p.Value, flat[pos:pos+len(p.Value)])
	}
}

// StateDict returns a copy of the parameter values, keyed by name.
func StateDict(params []*Parameter) map[string]*tensors.Tensor {
	state := make(map[string]*tensors.Tensor, len(params))
	for _, p := range params {
		state[p.Name] = tensors.FromFlatData(slices.Clone(p.Value), p.Dimensions...)
	}
	return state
}

// CheckState verifies that state has exactly one entry per parameter, with matching dimensions,
// without changing anything.
func CheckState(params []*Parameter, state map[string]*tensors.Tensor) error {
	if len(state) != len(params) {
		return errors.Errorf("state has %d tensors, but the model has %d parameters", len(state), len(params))
	}
	for _, p := range params {
		t, found := state[p.Name]
		if !found {
			return errors.Errorf("state is missing parameter %q", p.Name)
		}
		if !slices.Equal(t.Dimensions, p.Dimensions) {
			return errors.Errorf("parameter %q has dimensions %v, but state has dimensions %v",
				p.Name, p.Dimensions, t.Dimensions)
		}
	}
	return nil
}

// LoadStateDict copies the values in state to the parameters. It is all-or-nothing: if the state
// doesn't match the parameters (see CheckState) nothing is changed and an error is returned.
func LoadStateDict(params []*Parameter, state map[string]*tensors.Tensor) error {
	if err := CheckState(params, state); err != nil {
		return err
	}
	for _, p := range params {
		copy(p.Value, state[p.Name].Data)
	}
	return nil
}

// CopyValues copies the values of the parameters in src to dst, which must have matching
// names and dimensions.
func CopyValues(dst, src []*Parameter) error {
	if err := CheckSameStructure(dst, src); err != nil {
		return err
	}
	for ii, p := range dst {
		copy(p.Value, src[ii].Value)
	}
	return nil
}

// CheckSameStructure returns an error if the two lists of parameters don't have the same names and
// dimensions, in the same order.
func CheckSameStructure(a, b []*Parameter) error {
	if len(a) != len(b) {
		return errors.Errorf("parameter lists have different lengths (%d and %d)", len(a), len(b))
	}
	for ii := range a {
		if a[ii].Name != b[ii].Name || !slices.Equal(a[ii].Dimensions, b[ii].Dimensions) {
			return errors.Errorf("parameter #%d differs: %q%v vs %q%v",
				ii, a[ii].Name, a[ii].Dimensions, b[ii].Name, b[ii].Dimensions)
		}
	}
	return nil
}
