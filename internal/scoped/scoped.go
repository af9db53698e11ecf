// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string to any data type that is "scoped".
package scoped

import (
	"strings"

	"github.com/gomlx/kdiffusion/pkg/support/xslices"
)

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "sigma_max": 80, "sample_steps": 50 }
//	Scope: "/demo": { "sample_steps": 20 }
//
//	Params.Get("/demo", "sample_steps") -> 20
//	Params.Get("/demo/grid", "sigma_max") -> 80
//	Params.Get("/evaluate", "sample_steps") -> 50
//
// The root scope is the separator itself ("/"), and every scope name must start with the separator.
//
// The context.Context object uses Params to store the training hyperparameters (see `context.GetParamOr`
// and `Context.SetParam`).
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New create an empty Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a copy of the Params. Values themselves are not deep-copied.
func (p *Params) Clone() *Params {
	cloned := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newMap := make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			newMap[key] = value
		}
		cloned.scopeToMap[scope] = newMap
	}
	return cloned
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap := p.scopeToMap[scope]
	if dataMap == nil {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Has returns whether the key is set exactly at the given scope, without looking at parent scopes.
func (p *Params) Has(scope, key string) bool {
	_, found := p.scopeToMap[scope][key]
	return found
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if value, found = p.scopeToMap[scope][key]; found {
			return
		}
		if scope == p.Separator || scope == "" {
			return nil, false
		}
		idx := strings.LastIndex(scope, p.Separator)
		if idx <= 0 {
			scope = p.Separator
		} else {
			scope = scope[:idx]
		}
	}
}

// Enumerate calls fn for every parameter stored, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range xslices.SortedKeys(p.scopeToMap) {
		keyValues := p.scopeToMap[scope]
		for _, key := range xslices.SortedKeys(keyValues) {
			fn(scope, key, keyValues[key])
		}
	}
}
