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

// Package xslices holds slice and map helpers used across the packages: deterministic iteration over
// named tensors and norms of flattened values.
package xslices

import (
	"cmp"
	"slices"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

// SortedKeys returns the keys of the map sorted, for deterministic iteration.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// SquaredNorm returns the sum of the squares of the values, accumulated in float64.
func SquaredNorm[T constraints.Float](values []T) float64 {
	var sum float64
	for _, v := range values {
		f := float64(v)
		sum += f * f
	}
	return sum
}
