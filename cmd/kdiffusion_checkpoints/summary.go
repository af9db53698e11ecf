// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/train/ema"
	"github.com/gomlx/kdiffusion/pkg/ml/train/gns"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers/inverselr"
)

// Summary of the training state of each checkpoint, one column per checkpoint.
//
// The learning rate and EMA decay of the next step are recomputed from the schedules' state and the
// hyperparameters saved in the checkpoint.
func Summary(w io.Writer, bundles []*checkpoints.Bundle, names []string) error {
	numCheckpoints := len(names)
	printTitle(w, "Summary")
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, names...)...)

	newRow := func(title string) []string {
		row := make([]string, numCheckpoints+1)
		row[0] = title
		return row
	}
	epochRow, stepRow := newRow("epoch"), newRow("step")
	tensorsRow, paramsRow, memoryRow := newRow("# tensors"), newRow("# parameters"), newRow("# bytes (float32)")
	optRow, lrRow, emaRow, gnsRow := newRow("optimizer step"), newRow("learning rate"), newRow("ema decay"), newRow("gns")
	for ii, b := range bundles {
		col := ii + 1
		epochRow[col] = humanize.Comma(b.Epoch)
		stepRow[col] = humanize.Comma(b.Step)
		numTensors := len(b.Model)
		if numTensors == 0 {
			numTensors = len(b.ModelEMA)
		}
		tensorsRow[col] = humanize.Comma(int64(numTensors))
		numParams := b.NumParams()
		paramsRow[col] = humanize.Comma(int64(numParams))
		memoryRow[col] = humanize.Bytes(uint64(4 * numParams))
		if b.Opt == nil {
			// Exported weights only.
			continue
		}
		optRow[col] = humanize.Comma(b.Opt.Step)

		ctx := context.New()
		ctx.LoadParamsMap(b.Params)
		lrSchedule, err := inverselr.New().FromContext(ctx).Done()
		if err != nil {
			return err
		}
		if err = lrSchedule.SetState(b.Sched); err != nil {
			return err
		}
		baseLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 3e-4)
		lrRow[col] = fmt.Sprintf("%.3g", lrSchedule.LearningRate(baseLR))

		emaSchedule, err := ema.WarmupFromContext(ctx)
		if err != nil {
			return err
		}
		if err = emaSchedule.SetState(b.EMASched); err != nil {
			return err
		}
		emaRow[col] = fmt.Sprintf("%.6f", emaSchedule.Value())

		if b.GNSStats != nil {
			estimator := gns.New(context.GetParamOr(ctx, gns.ParamBeta, 0.9998))
			if err = estimator.SetState(*b.GNSStats); err != nil {
				return err
			}
			if v := estimator.GNS(); !math.IsNaN(v) {
				gnsRow[col] = fmt.Sprintf("%.4g", v)
			}
		}
	}
	for _, row := range [][]string{epochRow, stepRow, tensorsRow, paramsRow, memoryRow, optRow, lrRow, emaRow, gnsRow} {
		if isAllEqual(row[1:]) && row[1] == "" {
			continue
		}
		table.Row(row...)
	}
	table.Render(w)
	return nil
}
