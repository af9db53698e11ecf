// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actions

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kdiffusion/pkg/core/distributed"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion/sampling"
	"github.com/gomlx/kdiffusion/pkg/ml/evaluation"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker"
)

const imageSize = 4

func testContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1e-3,
		sampling.ParamSteps:          3,
		train.ParamSeed:              3,
	})
	return ctx
}

func newTrainer(ctx *context.Context, dist distributed.Context) (*train.Trainer, error) {
	backbone := pixelmlp.New(pixelmlp.Config{
		ImageSize:       imageSize,
		Channels:        3,
		HiddenWidths:    []int{8, 8},
		FourierFeatures: 2,
		Seed:            1,
	})
	return train.NewTrainer(ctx, backbone, dist, false)
}

// realsDataset yields the same batch forever.
type realsDataset struct{ batchSize int }

func (ds realsDataset) Name() string { return "reals" }
func (ds realsDataset) Reset()       {}
func (ds realsDataset) Yield() (*tensors.Tensor, error) {
	reals := tensors.New(ds.batchSize, imageSize, imageSize, 3)
	for ii := range reals.Data {
		reals.Data[ii] = float32(ii%11)/5.5 - 1
	}
	return reals, nil
}

// epochDataset yields 3 batches per epoch.
type epochDataset struct {
	realsDataset
	count int
}

func (ds *epochDataset) Reset() { ds.count = 0 }
func (ds *epochDataset) Yield() (*tensors.Tensor, error) {
	if ds.count >= 3 {
		return nil, io.EOF
	}
	ds.count++
	return ds.realsDataset.Yield()
}

func readTrackerRecords(t *testing.T, path string) []tracker.Record {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var records []tracker.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec tracker.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	return records
}

func TestActionsInLoop(t *testing.T) {
	dir := t.TempDir()
	ctx := testContext()
	trainer, err := newTrainer(ctx, nil)
	require.NoError(t, err)
	handler, err := checkpoints.Build("test").Dir(dir).Done()
	require.NoError(t, err)
	jsonlPath := filepath.Join(dir, "tracker.jsonl")
	sink, err := tracker.NewJSONL(jsonlPath)
	require.NoError(t, err)

	a, err := New(ctx, Config{
		Name:             "test",
		OutputDir:        dir,
		ImageSize:        imageSize,
		Channels:         3,
		NumToSample:      5,
		EvaluateN:        6,
		BatchSize:        4,
		DemoEvery:        2,
		EvaluateEvery:    3,
		SaveEvery:        3,
		TrackerSaveModel: true,
	}, trainer, handler, sink)
	require.NoError(t, err)
	require.NoError(t, a.SetExtractor(evaluation.NewRandomProjection(8, 1), realsDataset{batchSize: 4}))

	loop := train.NewLoop(trainer.TrainStep)
	a.Attach(loop)
	_, err = loop.Run(&epochDataset{realsDataset: realsDataset{batchSize: 2}}, 7)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	// Demo grids at steps 0, 2, 4 and 6: 5 images, 3 per row, no padding.
	for _, step := range []int64{0, 2, 4, 6} {
		img, err := imaging.Open(a.DemoFilePath(step))
		require.NoError(t, err, "demo of step %d", step)
		assert.Equal(t, 3*imageSize, img.Bounds().Dx())
		assert.Equal(t, 2*imageSize, img.Bounds().Dy())
	}
	_, err = os.Stat(a.DemoFilePath(1))
	assert.True(t, os.IsNotExist(err))

	// Evaluation at steps 3 and 6.
	df, err := metricslog.Load(metricslog.FilePath(dir, "test"))
	require.NoError(t, err)
	rows := metricslog.Rows(df)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].Step)
	assert.Equal(t, int64(6), rows[1].Step)

	// Checkpoints at steps 3 and 6.
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Equal(t, []string{handler.FilePath(3), handler.FilePath(6)}, list)
	b, err := checkpoints.Load(list[1])
	require.NoError(t, err)
	assert.Equal(t, int64(6), b.Step)
	assert.Equal(t, int64(2), b.Epoch)

	// Tracker: 7 steps of metrics, 2 evaluations, 4 demo grids and 2 models.
	var steps, evaluations int
	files := map[string]int{}
	for _, rec := range readTrackerRecords(t, jsonlPath) {
		switch {
		case rec.Key != "":
			files[rec.Key]++
		case rec.Values[tracker.KeyFID] != nil:
			evaluations++
			assert.NotNil(t, rec.Values[tracker.KeyKID])
		default:
			steps++
			assert.Contains(t, rec.Values, tracker.KeyLoss)
			assert.NotContains(t, rec.Values, tracker.KeyGNS)
		}
	}
	assert.Equal(t, 7, steps)
	assert.Equal(t, 2, evaluations)
	assert.Equal(t, map[string]int{tracker.KeyDemoGrid: 4, tracker.KeyModelFile: 2}, files)
}

func TestDistributedActions(t *testing.T) {
	dir := t.TempDir()
	const worldSize = 2
	fids := make([]float64, worldSize)
	err := distributed.Launch(worldSize, func(dist distributed.Context) error {
		ctx := testContext()
		trainer, err := newTrainer(ctx, dist)
		if err != nil {
			return err
		}
		var handler *checkpoints.Handler
		if dist.IsMain() {
			if handler, err = checkpoints.Build("dist").Dir(dir).Done(); err != nil {
				return err
			}
		}
		a, err := New(ctx, Config{
			Name:        "dist",
			OutputDir:   dir,
			ImageSize:   imageSize,
			Channels:    3,
			NumToSample: 3,
			EvaluateN:   5,
			BatchSize:   2,
		}, trainer, handler, nil)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		if err = a.Demo(0); err != nil {
			return err
		}
		if err = a.SetExtractor(evaluation.NewRandomProjection(4, 1), realsDataset{batchSize: 2}); err != nil {
			return err
		}
		if fids[dist.Rank()], _, err = a.Evaluate(10); err != nil {
			return err
		}
		path, err := a.Save(train.State{Step: 10, Epoch: 1})
		if err != nil {
			return err
		}
		if dist.IsMain() != (path != "") {
			t.Errorf("rank %d saved to %q", dist.Rank(), path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, fids[0], fids[1], "all workers compute the same metrics")

	// 4 images sampled, the first 3 in the grid with 2 per row.
	img, err := imaging.Open(filepath.Join(dir, "dist_demo_00000000.png"))
	require.NoError(t, err)
	assert.Equal(t, 2*imageSize, img.Bounds().Dx())
	assert.Equal(t, 2*imageSize, img.Bounds().Dy())
	_, err = os.Stat(filepath.Join(dir, "dist_00000010"+checkpoints.Suffix))
	require.NoError(t, err)
	df, err := metricslog.Load(metricslog.FilePath(dir, "dist"))
	require.NoError(t, err)
	assert.Len(t, metricslog.Rows(df), 1)
}

func TestNewErrors(t *testing.T) {
	ctx := testContext()
	trainer, err := newTrainer(ctx, nil)
	require.NoError(t, err)
	_, err = New(ctx, Config{ImageSize: 4, Channels: 3}, trainer, nil, nil)
	require.Error(t, err, "missing name")
	_, err = New(ctx, Config{Name: "x", Channels: 3}, trainer, nil, nil)
	require.Error(t, err, "missing image size")

	a, err := New(ctx, Config{Name: "x", ImageSize: 4, Channels: 3, SaveEvery: 10}, trainer, nil, nil)
	require.NoError(t, err)
	_, _, err = a.Evaluate(1)
	require.Error(t, err, "no extractor")
	_, err = a.Save(train.State{Step: 10})
	require.Error(t, err, "no handler")
}

// recordingSink keeps the values logged in memory.
type recordingSink struct {
	values []map[string]float64
}

func (s *recordingSink) Log(_ int64, values map[string]float64) error {
	s.values = append(s.values, values)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestTrackSkipsUnmeasuredGNS(t *testing.T) {
	ctx := testContext()
	backbone := pixelmlp.New(pixelmlp.Config{ImageSize: imageSize, Channels: 3, HiddenWidths: []int{8}, FourierFeatures: 2, Seed: 1})
	trainer, err := train.NewTrainer(ctx, backbone, nil, true)
	require.NoError(t, err)
	sink := &recordingSink{}
	a, err := New(ctx, Config{Name: "gns", ImageSize: imageSize, Channels: 3}, trainer, nil, sink)
	require.NoError(t, err)

	// A single worker never estimates the gradient noise scale.
	metrics, err := trainer.TrainStep(realsDataset{batchSize: 2}.mustYield(t))
	require.NoError(t, err)
	require.True(t, math.IsNaN(metrics.GNS))
	loop := &train.Loop{State: train.State{Step: 1}}
	require.NoError(t, a.track(loop, metrics))

	metrics.GNS = 12
	require.NoError(t, a.track(loop, metrics))
	require.Len(t, sink.values, 2)
	assert.NotContains(t, sink.values[0], tracker.KeyGNS)
	assert.Equal(t, 12.0, sink.values[1][tracker.KeyGNS])
}

func (ds realsDataset) mustYield(t *testing.T) *tensors.Tensor {
	reals, err := ds.Yield()
	require.NoError(t, err)
	return reals
}
