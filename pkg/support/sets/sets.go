// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a small generic set, used to merge the names found across checkpoints.
package sets

import (
	"cmp"
	"slices"
)

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set. The optional size reserves space.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Sorted returns the elements of an ordered set as a sorted slice.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	elements := make([]T, 0, len(s))
	for key := range s {
		elements = append(elements, key)
	}
	slices.Sort(elements)
	return elements
}

// SortedFunc returns the elements of the set sorted with cmpFn.
func SortedFunc[T comparable](s Set[T], cmpFn func(a, b T) int) []T {
	elements := make([]T, 0, len(s))
	for key := range s {
		elements = append(elements, key)
	}
	slices.SortFunc(elements, cmpFn)
	return elements
}
