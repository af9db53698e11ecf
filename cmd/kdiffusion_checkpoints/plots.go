// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker/sqlitesink"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
	"github.com/gomlx/kdiffusion/pkg/support/xslices"
	"github.com/gomlx/kdiffusion/ui/plots"
)

var (
	flagPlot = flag.Bool("plot", false, "Plots the evaluation metrics of the checkpoints, and the training "+
		"loss if -tracker_db is given.")
	flagPlotFormat = flag.String("plot_format", "html", `Format of the plots: "html" (one interactive page), `+
		`"svg" or "png" (one file per metric).`)
	flagPlotOutput = flag.String("plot_output", "metrics", "Output path of the plots, without extension. "+
		"For svg and png the metric name is appended.")
	flagTrackerDB = flag.String("tracker_db", "", "SQLite tracker database of the runs, to plot their training loss.")
)

// Plot sizes, in pixels, for the SVG format.
const (
	svgWidth  = 800
	svgHeight = 400
)

// CollectSeries returns the series to plot: FID and KID of each checkpoint, and the loss of each run
// if trackerDB is not empty.
func CollectSeries(paths, names []string, allRows [][]metricslog.Row, trackerDB string) ([]*plots.Series, error) {
	var series []*plots.Series
	for ii, rows := range allRows {
		prefix := ""
		if len(names) > 1 {
			prefix = names[ii] + ": "
		}
		series = append(series, plots.FromMetricsLog(prefix, rows)...)
		if trackerDB == "" {
			continue
		}
		_, run := RunOf(paths[ii])
		points, err := sqlitesink.ReadSeries(trackerDB, run, tracker.KeyLoss)
		if err != nil {
			return nil, err
		}
		series = append(series, plots.FromTracker(prefix+"loss", tracker.KeyLoss, points))
	}
	return series, nil
}

// BuildPlots saves the plots in the format selected by -plot_format.
func BuildPlots(w io.Writer, paths, names []string, allRows [][]metricslog.Row) error {
	series, err := CollectSeries(paths, names, allRows, *flagTrackerDB)
	if err != nil {
		return err
	}
	for _, s := range series {
		klog.V(1).Infof("plotting %s", s)
	}
	output, err := fsutil.ReplaceTildeInDir(*flagPlotOutput)
	if err != nil {
		return err
	}
	files, err := SavePlots(output, *flagPlotFormat, series)
	if err != nil {
		return err
	}
	for _, file := range files {
		_, _ = fmt.Fprintf(w, "Plot saved to %s\n", file)
	}
	return nil
}

// SavePlots writes the plots of the series to files prefixed by output, and returns the files written.
func SavePlots(output, format string, series []*plots.Series) (files []string, err error) {
	groups := plots.ByMetricType(series)
	if len(groups) == 0 {
		return nil, errors.New("nothing to plot")
	}
	switch format {
	case "html":
		path := output + ".html"
		err = fsutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
			return plots.WriteHTML(w, series)
		})
		return []string{path}, err
	case "svg":
		for _, metricType := range xslices.SortedKeys(groups) {
			path := fmt.Sprintf("%s_%s.svg", output, metricType)
			err = fsutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
				return plots.WriteSVG(w, svgWidth, svgHeight, metricType, groups[metricType])
			})
			if err != nil {
				return files, err
			}
			files = append(files, path)
		}
		return files, nil
	case "png":
		for _, metricType := range xslices.SortedKeys(groups) {
			path := fmt.Sprintf("%s_%s.png", output, metricType)
			if err = plots.SavePNG(path, metricType, groups[metricType]); err != nil {
				return files, err
			}
			files = append(files, path)
		}
		return files, nil
	}
	return nil, errors.Errorf("unknown plot format %q, valid values are \"html\", \"svg\" and \"png\"", format)
}
