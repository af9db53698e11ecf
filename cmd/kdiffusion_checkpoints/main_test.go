// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker/sqlitesink"
)

func testBundle(step int64, lr float64) *checkpoints.Bundle {
	weights := func(v float32) map[string]*tensors.Tensor {
		w := tensors.New(2, 3)
		for ii := range w.Data {
			w.Data[ii] = v
		}
		return map[string]*tensors.Tensor{"layer_0/weights": w, "layer_0/biases": tensors.New(3)}
	}
	return &checkpoints.Bundle{
		Model:    weights(1),
		ModelEMA: weights(0.5),
		Opt: &optimizers.State{
			Step:  step,
			Slots: map[string]map[string]*tensors.Tensor{"exp_avg": weights(0), "exp_avg_sq": weights(0)},
		},
		Step:   step,
		Epoch:  1,
		Params: map[string]any{"learning_rate": lr, "demo/sample_steps": 20.0, "image_size": 32.0},
	}
}

// writeRun saves two checkpoints and a metrics log of a run in dir.
func writeRun(t *testing.T, dir string, lr float64) {
	handler, err := checkpoints.Build("model").Dir(dir).Done()
	require.NoError(t, err)
	for _, step := range []int64{10, 20} {
		b := testBundle(step, lr)
		b.Sched.Step, b.EMASched.Step = step, step
		_, err = handler.Save(b)
		require.NoError(t, err)
	}
	log, err := metricslog.Open(metricslog.FilePath(dir, "model"))
	require.NoError(t, err)
	require.NoError(t, log.Append(10, 30.5, 0.02))
	require.NoError(t, log.Append(20, 25.25, 0.03))
	require.NoError(t, log.Close())
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, MinimalUniquePaths("runs/a/model.ckpt", "runs/b/model.ckpt"))
	assert.Equal(t, []string{"x...m1.ckpt", "y...m2.ckpt"},
		MinimalUniquePaths("runs/x/m1.ckpt", "runs/y/m2.ckpt"))
	assert.Equal(t, []string{"only.ckpt"}, MinimalUniquePaths("only.ckpt"))
}

func TestRunOf(t *testing.T) {
	dir, name := RunOf("/runs/flowers/my_model_00001000.ckpt")
	assert.Equal(t, "/runs/flowers", dir)
	assert.Equal(t, "my_model", name)
	_, name = RunOf("/exports/weights.ckpt")
	assert.Equal(t, "weights", name)
}

func TestResolveCheckpoints(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1e-3)
	paths, err := ResolveCheckpoints([]string{dir, filepath.Join(dir, "model_00000010.ckpt")}, "model")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "model_00000020.ckpt"), filepath.Join(dir, "model_00000010.ckpt")}, paths)

	_, err = ResolveCheckpoints([]string{dir}, "other")
	require.Error(t, err)
	_, err = ResolveCheckpoints([]string{filepath.Join(dir, "missing.ckpt")}, "model")
	require.Error(t, err)
}

func TestReports(t *testing.T) {
	dirA, dirB := filepath.Join(t.TempDir(), "a"), filepath.Join(t.TempDir(), "b")
	writeRun(t, dirA, 1e-3)
	writeRun(t, dirB, 2e-3)
	paths, err := ResolveCheckpoints([]string{dirA, dirB}, "model")
	require.NoError(t, err)
	names := MinimalUniquePaths(paths...)
	bundles := make([]*checkpoints.Bundle, len(paths))
	for ii, path := range paths {
		bundles[ii], err = checkpoints.Load(path)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, bundles, names))
	assert.Contains(t, buf.String(), "# parameters")
	assert.Contains(t, buf.String(), "learning rate")

	buf.Reset()
	Params(&buf, bundles, names)
	assert.Contains(t, buf.String(), "learning_rate")
	assert.Contains(t, buf.String(), "/demo")
	assert.Contains(t, buf.String(), "0.002")

	buf.Reset()
	Vars(&buf, bundles, names, "opt/exp_avg")
	assert.Contains(t, buf.String(), "layer_0/weights")
	assert.Contains(t, buf.String(), "[2 3]")

	rows, err := LoadMetrics(paths[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	buf.Reset()
	ReportBest(&buf, names, [][]metricslog.Row{rows, rows})
	assert.Contains(t, buf.String(), "25.25")

	rows, err = LoadMetrics(filepath.Join(t.TempDir(), "model_00000010.ckpt"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPlots(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1e-3)
	trackerDB := filepath.Join(dir, "tracker.db")
	sink, err := sqlitesink.Open(trackerDB, "model")
	require.NoError(t, err)
	for step := range int64(5) {
		require.NoError(t, sink.Log(step, map[string]float64{tracker.KeyLoss: 1.0 / float64(step+1)}))
	}
	require.NoError(t, sink.Close())

	paths := []string{filepath.Join(dir, "model_00000020.ckpt")}
	rows, err := LoadMetrics(paths[0])
	require.NoError(t, err)
	series, err := CollectSeries(paths, []string{"model"}, [][]metricslog.Row{rows}, trackerDB)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, 5, series[2].Len())

	output := filepath.Join(dir, "plots")
	files, err := SavePlots(output, "html", series)
	require.NoError(t, err)
	assert.Equal(t, []string{output + ".html"}, files)

	files, err = SavePlots(output, "svg", series)
	require.NoError(t, err)
	assert.Equal(t, []string{output + "_fid.svg", output + "_kid.svg", output + "_loss.svg"}, files)
	for _, file := range files {
		assert.FileExists(t, file)
	}

	_, err = SavePlots(output, "gif", series)
	require.Error(t, err)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, 1e-3)
	output := filepath.Join(dir, "exported"+checkpoints.Suffix)
	require.NoError(t, Export(filepath.Join(dir, "model_00000020.ckpt"), output))
	b, err := checkpoints.Load(output)
	require.NoError(t, err)
	assert.Nil(t, b.Opt)
	assert.Equal(t, int64(20), b.Step)
	assert.Equal(t, 32.0, b.Params["image_size"])
	assert.InDelta(t, 0.5, b.ModelEMA["layer_0/weights"].Data[0], 1e-3)

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
