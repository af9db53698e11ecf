// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kdiffusion_checkpoints reports on the checkpoints of training runs: a summary of the training state, the
// hyperparameters, the tensors, and the evaluation metrics (FID and KID) saved along the checkpoints.
//
// Each argument is either a checkpoint file, or a directory, in which case the latest checkpoint of
// the run named by -name is used. When more than one checkpoint is given, their values are shown side by side.
//
// It can also plot the metrics (-plot) and export the EMA weights of a checkpoint in half-precision (-export).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
)

var (
	flagName = flag.String("name", "model", "Name of the run, used to find the latest checkpoint "+
		"when a directory is given.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the training state. "+
		"It is the default if no other report is selected.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the tensors of the group selected by -group.")
	flagGroup   = flag.String("group", checkpoints.GroupModel, `Group of tensors listed by -vars: "model", "model_ema" or "opt/<slot>".`)
	flagMetrics = flag.Bool("metrics", false, "Lists the evaluation metrics saved in the "+
		"\"<name>_metrics.csv\" file next to each checkpoint.")
	flagExport = flag.String("export", "", "Exports the EMA weights of the checkpoint in half-precision "+
		"to the given file. Only one checkpoint can be given.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Exitf("Missing checkpoint file or directory to read from. See 'kdiffusion_checkpoints -help'")
	}
	paths, err := ResolveCheckpoints(args, *flagName)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	if *flagExport != "" {
		if len(paths) != 1 {
			klog.Exitf("-export requires exactly one checkpoint, got %d", len(paths))
		}
		must.M(Export(paths[0], *flagExport))
		klog.Infof("Exported EMA weights of %s to %s", paths[0], *flagExport)
		return
	}
	if !*flagParams && !*flagVars && !*flagMetrics && !*flagPlot {
		*flagSummary = true
	}
	if err = report(os.Stdout, paths); err != nil {
		klog.Exitf("%+v", err)
	}
}

// ResolveCheckpoints returns the checkpoint file of each argument: files are used as is, and directories
// are resolved to the latest checkpoint of the run with the given name.
func ResolveCheckpoints(args []string, name string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		path, err := fsutil.ReplaceTildeInDir(arg)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint %q", arg)
		}
		if fi.IsDir() {
			handler, err := checkpoints.Build(name).Dir(path).Done()
			if err != nil {
				return nil, err
			}
			latest, err := handler.Latest()
			if err != nil {
				return nil, err
			}
			if latest == "" {
				return nil, errors.Errorf("no checkpoints of run %q in %q", name, path)
			}
			path = latest
		}
		paths = append(paths, path)
	}
	return paths, nil
}

var stepSuffixRegexp = regexp.MustCompile(`_\d+$`)

// RunOf returns the directory and the run name of a checkpoint named "{name}_{step}.ckpt".
func RunOf(checkpointPath string) (dir, name string) {
	name = strings.TrimSuffix(filepath.Base(checkpointPath), checkpoints.Suffix)
	return filepath.Dir(checkpointPath), stepSuffixRegexp.ReplaceAllString(name, "")
}

func report(w io.Writer, paths []string) error {
	bundles := make([]*checkpoints.Bundle, len(paths))
	for ii, path := range paths {
		var err error
		if bundles[ii], err = checkpoints.Load(path); err != nil {
			return err
		}
	}
	names := MinimalUniquePaths(paths...)
	if *flagSummary {
		if err := Summary(w, bundles, names); err != nil {
			return err
		}
	}
	if *flagParams {
		Params(w, bundles, names)
	}
	if *flagVars {
		Vars(w, bundles, names, *flagGroup)
	}
	if *flagMetrics || *flagPlot {
		return metrics(w, paths, names)
	}
	return nil
}

// Export the EMA weights of the checkpoint, with its hyperparameters, in half-precision.
func Export(checkpointPath, outputPath string) error {
	b, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return err
	}
	if len(b.ModelEMA) == 0 {
		return errors.Errorf("checkpoint %q has no EMA weights to export", checkpointPath)
	}
	outputPath, err = fsutil.ReplaceTildeInDir(outputPath)
	if err != nil {
		return err
	}
	return checkpoints.ExportWeights(outputPath, b.ModelEMA, b.Step, b.Params)
}

func printTitle(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
}
