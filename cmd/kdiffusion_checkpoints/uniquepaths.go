// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names that tell the paths apart: the path components where they differ
// from the others. A single differing component is used as is, several are shown as "first...last".
// If a path doesn't differ from any other in the common components, its base name is used.
//
// E.g. "runs/a/model_00001000.ckpt" and "runs/b/model_00001000.ckpt" become "a" and "b".
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	split := make([][]string, len(paths))
	for ii, path := range paths {
		split[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	result := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for k := range min(len(parts), len(other)) {
				if parts[k] != other[k] && !slices.Contains(diffs, k) {
					diffs = append(diffs, k)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			result[ii] = parts[len(parts)-1]
		case 1:
			result[ii] = parts[diffs[0]]
		default:
			result[ii] = parts[diffs[0]] + "..." + parts[diffs[len(diffs)-1]]
		}
	}
	return result
}
