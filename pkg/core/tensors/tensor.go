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

// Package tensors implement a `Tensor`, a dense row-major float32 multidimensional array stored in CPU memory.
//
// Tensors are the currency between the diffusion components: image batches shaped
// `[batch_size, height, width, channels]`, backbone outputs, parameters and gradients.
//
// There are a few ways to construct a Tensor:
//
//   - New(dimensions ...int): creates a tensor with the given dimensions, and zero values.
//
//   - FromFlatData(data []float32, dimensions ...int): wraps the given flat data, without copying.
//     Example:
//
//     t := FromFlatData([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - Concatenate(tensors...): concatenates along the leading (batch) axis.
//
// The leading axis is treated as the batch axis by the Batch* methods.
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Tensor is a dense row-major multidimensional array of float32.
type Tensor struct {
	// Dimensions of each axis. A scalar has no dimensions.
	Dimensions []int

	// Data holds the flat values, len(Data) == Size(Dimensions).
	Data []float32
}

// Size returns the number of elements of a tensor with the given dimensions.
func Size(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// New creates a zero-initialized tensor with the given dimensions.
func New(dimensions ...int) *Tensor {
	for axis, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors.New(%v): negative dimension for axis %d", dimensions, axis)
		}
	}
	return &Tensor{
		Dimensions: slices.Clone(dimensions),
		Data:       make([]float32, Size(dimensions)),
	}
}

// FromFlatData creates a tensor that uses the given data as its storage, without copying.
// It panics if len(data) doesn't match the dimensions.
func FromFlatData(data []float32, dimensions ...int) *Tensor {
	if len(data) != Size(dimensions) {
		exceptions.Panicf("tensors.FromFlatData: %d values given for dimensions %v (size %d)",
			len(data), dimensions, Size(dimensions))
	}
	return &Tensor{Dimensions: slices.Clone(dimensions), Data: data}
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Dimensions) }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Dimensions: slices.Clone(t.Dimensions), Data: slices.Clone(t.Data)}
}

// ZerosLike returns a new zero-initialized tensor with the same dimensions as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Dimensions...)
}

// SameShape returns whether a and b have the same dimensions.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Dimensions, b.Dimensions)
}

// BatchSize returns the dimension of the leading axis. It panics for scalars.
func (t *Tensor) BatchSize() int {
	if t.Rank() == 0 {
		exceptions.Panicf("tensors.BatchSize: scalar tensor has no batch axis")
	}
	return t.Dimensions[0]
}

// ExampleSize returns the number of elements of each example, that is, of each slice along the leading axis.
func (t *Tensor) ExampleSize() int {
	if t.BatchSize() == 0 {
		return Size(t.Dimensions[1:])
	}
	return len(t.Data) / t.BatchSize()
}

// Example returns the flat data of example ii (a slice along the leading axis), sharing storage with t.
func (t *Tensor) Example(ii int) []float32 {
	exampleSize := t.ExampleSize()
	return t.Data[ii*exampleSize : (ii+1)*exampleSize]
}

// BatchSlice returns examples [start, end) as a new tensor sharing storage with t.
func (t *Tensor) BatchSlice(start, end int) *Tensor {
	if start < 0 || end > t.BatchSize() || start > end {
		exceptions.Panicf("tensors.BatchSlice(%d, %d) out of range for batch size %d", start, end, t.BatchSize())
	}
	exampleSize := t.ExampleSize()
	dims := slices.Clone(t.Dimensions)
	dims[0] = end - start
	return &Tensor{Dimensions: dims, Data: t.Data[start*exampleSize : end*exampleSize]}
}

// Concatenate tensors along the leading axis. All tensors must have the same dimensions except for
// the leading axis.
func Concatenate(tensors ...*Tensor) *Tensor {
	if len(tensors) == 0 {
		exceptions.Panicf("tensors.Concatenate requires at least one tensor")
	}
	inner := tensors[0].Dimensions[1:]
	batchSize, size := 0, 0
	for ii, t := range tensors {
		if !slices.Equal(inner, t.Dimensions[1:]) {
			exceptions.Panicf("tensors.Concatenate: tensor #%d has dimensions %v, incompatible with %v",
				ii, t.Dimensions, tensors[0].Dimensions)
		}
		batchSize += t.Dimensions[0]
		size += t.Size()
	}
	dims := append([]int{batchSize}, inner...)
	data := make([]float32, 0, size)
	for _, t := range tensors {
		data = append(data, t.Data...)
	}
	return &Tensor{Dimensions: dims, Data: data}
}

// HasNonFinite returns whether any of the values is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer, printing the dimensions and the first few values.
func (t *Tensor) String() string {
	const maxValues = 8
	var sb strings.Builder
	fmt.Fprintf(&sb, "(Float32)%v", t.Dimensions)
	n := min(len(t.Data), maxValues)
	values := make([]string, n)
	for ii := range n {
		values[ii] = fmt.Sprintf("%g", t.Data[ii])
	}
	fmt.Fprintf(&sb, " [%s", strings.Join(values, ", "))
	if len(t.Data) > maxValues {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
