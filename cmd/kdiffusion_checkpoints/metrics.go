// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
	"github.com/gomlx/kdiffusion/ui/commandline"
)

// LoadMetrics returns the rows of the metrics log of the run of the checkpoint, or nil if the run has no
// metrics log.
func LoadMetrics(checkpointPath string) ([]metricslog.Row, error) {
	dir, run := RunOf(checkpointPath)
	path := metricslog.FilePath(dir, run)
	exists, err := fsutil.FileExists(path)
	if err != nil || !exists {
		return nil, err
	}
	df, err := metricslog.Load(path)
	if err != nil {
		return nil, err
	}
	return metricslog.Rows(df), nil
}

func metrics(w io.Writer, paths, names []string) error {
	allRows := make([][]metricslog.Row, len(paths))
	foundSomething := false
	for ii, path := range paths {
		var err error
		if allRows[ii], err = LoadMetrics(path); err != nil {
			return err
		}
		if len(allRows[ii]) > 0 {
			foundSomething = true
		}
	}
	if !foundSomething {
		klog.Errorf("No evaluation metrics found next to the checkpoints %v", paths)
	}

	if *flagMetrics {
		for ii, rows := range allRows {
			if len(rows) == 0 {
				continue
			}
			printTitle(w, "Metrics of "+names[ii])
			if err := commandline.ReportMetrics(w, rows); err != nil {
				return err
			}
		}
		if len(paths) > 1 {
			ReportBest(w, names, allRows)
		}
	}
	if *flagPlot {
		return BuildPlots(w, paths, names, allRows)
	}
	return nil
}

// ReportBest lists the best FID and KID of each run.
func ReportBest(w io.Writer, names []string, allRows [][]metricslog.Row) {
	printTitle(w, "Best Metrics")
	table := newReportTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Checkpoint", "Best FID", "Step", "Best KID", "Step")
	for ii, rows := range allRows {
		if len(rows) == 0 {
			continue
		}
		bestFID, bestKID := rows[0], rows[0]
		for _, row := range rows[1:] {
			if row.FID < bestFID.FID {
				bestFID = row
			}
			if row.KID < bestKID.KID {
				bestKID = row
			}
		}
		table.Row(names[ii],
			fmt.Sprintf("%.4g", bestFID.FID), humanize.Comma(bestFID.Step),
			fmt.Sprintf("%.4g", bestKID.KID), humanize.Comma(bestKID.Step))
	}
	table.Render(w)
}
