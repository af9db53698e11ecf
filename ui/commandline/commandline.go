// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar with
// the training metrics, the "-set" flag for hyperparameters and reporting of the evaluation metrics.
package commandline

import (
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
)

var bestStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// ReportMetrics writes a table with the evaluations in rows, highlighting the ones with the best FID and KID.
func ReportMetrics(w io.Writer, rows []metricslog.Row) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No evaluations.")
		return err
	}
	bestFID, bestKID := -1, -1
	for ii, row := range rows {
		if !math.IsNaN(row.FID) && (bestFID < 0 || row.FID < rows[bestFID].FID) {
			bestFID = ii
		}
		if !math.IsNaN(row.KID) && (bestKID < 0 || row.KID < rows[bestKID].KID) {
			bestKID = ii
		}
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Step", "FID", "KID").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return normalStyle
			case (col == 1 && row == bestFID) || (col == 2 && row == bestKID):
				return bestStyle
			case col == 0:
				return rightAlignedStyle
			default:
				return normalStyle
			}
		})
	for _, row := range rows {
		table.Row(humanize.Comma(row.Step), fmt.Sprintf("%.4g", row.FID), fmt.Sprintf("%.4g", row.KID))
	}
	_, err := fmt.Fprintln(w, table.String())
	return err
}
