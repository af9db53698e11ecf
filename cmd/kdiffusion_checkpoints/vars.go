// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/support/sets"
)

// groupTensors returns the tensors of the group: checkpoints.GroupModel, checkpoints.GroupModelEMA or
// an optimizer slot prefixed by checkpoints.GroupOptPrefix.
func groupTensors(b *checkpoints.Bundle, group string) map[string]*tensors.Tensor {
	switch {
	case group == checkpoints.GroupModel:
		return b.Model
	case group == checkpoints.GroupModelEMA:
		return b.ModelEMA
	case strings.HasPrefix(group, checkpoints.GroupOptPrefix) && b.Opt != nil:
		return b.Opt.Slots[strings.TrimPrefix(group, checkpoints.GroupOptPrefix)]
	}
	return nil
}

// Vars lists the tensors of the group in each checkpoint. Tensors whose dimensions differ among the
// checkpoints (or that are missing in some) are highlighted.
func Vars(w io.Writer, bundles []*checkpoints.Bundle, names []string, group string) {
	printTitle(w, fmt.Sprintf("Tensors of %q", group))
	table := newReportTable(lipgloss.Left, lipgloss.Right)
	headers := []string{"Name"}
	for _, name := range names {
		if len(names) == 1 {
			name = "Dimensions"
		}
		headers = append(headers, name)
	}
	headers = append(headers, "Size", "Bytes")
	table.Headers(headers...)

	allNames := sets.Make[string]()
	for _, b := range bundles {
		for name := range groupTensors(b, group) {
			allNames.Insert(name)
		}
	}
	var totalSize int
	for _, name := range sets.Sorted(allNames) {
		row := []string{name}
		size := 0
		for _, b := range bundles {
			t, found := groupTensors(b, group)[name]
			if !found {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprintf("%v", t.Dimensions))
			size = t.Size()
		}
		totalSize += size
		row = append(row, humanize.Comma(int64(size)), humanize.Bytes(uint64(4*size)))
		table.Compared(1, 1+len(bundles), row...)
	}
	total := make([]string, len(headers))
	total[0] = "total"
	total[len(total)-2] = humanize.Comma(int64(totalSize))
	total[len(total)-1] = humanize.Bytes(uint64(4 * totalSize))
	table.Total(total...)
	table.Render(w)
}
