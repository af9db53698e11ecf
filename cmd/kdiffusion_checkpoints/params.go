// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/support/sets"
)

// Params lists the hyperparameters saved in the checkpoints, one column per checkpoint. Rows with
// values that differ among the checkpoints are highlighted.
func Params(w io.Writer, bundles []*checkpoints.Bundle, names []string) {
	numCheckpoints := len(names)
	numCols := numCheckpoints + 3

	printTitle(w, "Hyperparameters")
	table := newReportTable()
	headers := make([]string, 0, numCols)
	headers = append(headers, "Scope", "Name", "Type")
	if numCheckpoints == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Headers(headers...)

	type scopeKey struct{ Scope, Key string }
	scopeKeySet := sets.Make[scopeKey]()
	for _, b := range bundles {
		for key := range b.Params {
			scope, name := context.SplitScope(context.ScopeSeparator + key)
			scopeKeySet.Insert(scopeKey{Scope: scope, Key: name})
		}
	}
	scopeKeys := sets.SortedFunc(scopeKeySet, func(a, b scopeKey) int {
		if c := strings.Compare(a.Scope, b.Scope); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	for _, pair := range scopeKeys {
		row := make([]string, numCols)
		row[0], row[1] = pair.Scope, pair.Key
		paramsKey := pair.Key
		if pair.Scope != context.RootScope {
			paramsKey = strings.TrimPrefix(pair.Scope, context.ScopeSeparator) + context.ScopeSeparator + pair.Key
		}
		for ii, b := range bundles {
			value, found := b.Params[paramsKey]
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.Compared(3, numCols, row...)
	}
	table.Render(w)
}
