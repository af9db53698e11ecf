// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle  = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	fadedStyle = cellStyle.Faint(true)
	diffStyle  = cellStyle.
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true)
	totalStyle = cellStyle.Bold(true).Underline(true)
)

type rowKind int

const (
	rowPlain rowKind = iota
	rowDiff
	rowTotal
)

// reportTable is a lipgloss table with alternating faint rows, where rows whose values differ among
// checkpoints are shown in red and total rows in bold.
type reportTable struct {
	table     *lgtable.Table
	kinds     []rowKind
	hasHeader bool
}

// newReportTable creates the table. The alignments are given per column, and the last one is used for the
// remaining columns. The default is left aligned.
func newReportTable(alignments ...lipgloss.Position) *reportTable {
	t := &reportTable{}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			s := cellStyle
			if row >= 0 && row < len(t.kinds) {
				switch t.kinds[row] {
				case rowDiff:
					s = diffStyle
				case rowTotal:
					s = totalStyle
				default:
					if row%2 == 1 {
						s = fadedStyle
					}
				}
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// Headers sets the header row.
func (t *reportTable) Headers(headers ...string) {
	t.hasHeader = true
	t.table.Headers(headers...)
}

func (t *reportTable) add(kind rowKind, cells []string) {
	t.kinds = append(t.kinds, kind)
	t.table.Row(cells...)
}

// Row appends a plain row.
func (t *reportTable) Row(cells ...string) { t.add(rowPlain, cells) }

// Total appends a row with the totals.
func (t *reportTable) Total(cells ...string) { t.add(rowTotal, cells) }

// Compared appends the row, highlighted if the values in cells[from:to] are not all the same.
func (t *reportTable) Compared(from, to int, cells ...string) {
	kind := rowPlain
	if !isAllEqual(cells[from:to]) {
		kind = rowDiff
	}
	t.add(kind, cells)
}

// Render writes the table followed by a new line.
func (t *reportTable) Render(w io.Writer) {
	_, _ = fmt.Fprintln(w, t.table.Render())
}

// isAllEqual returns whether all elements of s are the same.
func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}
