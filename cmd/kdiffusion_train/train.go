// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/internal/workerspool"
	"github.com/gomlx/kdiffusion/pkg/core/distributed"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/datasets"
	"github.com/gomlx/kdiffusion/pkg/ml/datasets/imagefolder"
	"github.com/gomlx/kdiffusion/pkg/ml/evaluation"
	"github.com/gomlx/kdiffusion/pkg/ml/evaluation/onnxfeatures"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
	"github.com/gomlx/kdiffusion/pkg/ml/train/actions"
	"github.com/gomlx/kdiffusion/pkg/ml/train/metrics"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker/sqlitesink"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
	"github.com/gomlx/kdiffusion/ui/commandline"
)

// Channels of the training images: they are always converted to RGB.
const Channels = 3

// ResumeLatest is the value of Config.Resume that resumes from the latest checkpoint of the run.
const ResumeLatest = "latest"

// readAheadBatches is the number of training batches prepared in the background.
const readAheadBatches = 2

// projectionDim is the dimension of the random projection used as feature extractor when no
// ONNX model is given.
const projectionDim = 64

// Config of a training run, usually from the command-line flags.
type Config struct {
	Name                string
	TrainSet, OutputDir string

	// Resume is the checkpoint to resume from, ResumeLatest or empty.
	Resume string

	ImageSize, BatchSize, Workers int

	// MaxSteps is the number of steps to run. If 0 it trains until interrupted.
	MaxSteps int64
	GNS      bool

	NumToSample, EvaluateN             int
	DemoEvery, EvaluateEvery, SaveEvery int64
	KeepCheckpoints                     int

	InceptionONNX, ORTLibrary string

	TrackerDB, TrackerJSONL string
	TrackerSaveModel        bool

	ProgressBar bool
}

// Validate the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("a run name is required")
	}
	if c.TrainSet == "" {
		return errors.New("a training set is required")
	}
	if c.ImageSize <= 0 || c.BatchSize <= 0 {
		return errors.Errorf("invalid image size %d or batch size %d", c.ImageSize, c.BatchSize)
	}
	if c.Workers <= 0 {
		return errors.Errorf("invalid number of workers %d", c.Workers)
	}
	if c.MaxSteps < 0 {
		return errors.Errorf("invalid max_steps %d", c.MaxSteps)
	}
	if c.EvaluateEvery > 0 && c.EvaluateN < 2 {
		return errors.Errorf("evaluation requires at least 2 images, got evaluate_n=%d", c.EvaluateN)
	}
	return nil
}

func expandDir(dir string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	return filepath.Abs(dir)
}

// Run trains with the given configuration, with the hyperparameters in ctx, until MaxSteps or an error.
//
// The tracker sinks and the feature extractor are created once and shared by all workers, and each worker
// owns its dataset shard, its model replica and its actions.
func Run(ctx *context.Context, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	// Saved with the checkpoints, to rebuild the model for sampling.
	ctx.SetParam(pixelmlp.ParamImageSize, config.ImageSize)
	klog.Infof("CPU: %s, %d physical cores, %d workers, %s parallelism for image loading",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, config.Workers,
		humanize.Comma(int64(workerspool.DefaultParallelism())))

	var sinks []tracker.Sink
	if config.TrackerJSONL != "" {
		jsonl, err := tracker.NewJSONL(config.TrackerJSONL)
		if err != nil {
			return err
		}
		klog.Infof("Tracking run %s to %s", jsonl.RunID(), jsonl.Path())
		sinks = append(sinks, jsonl)
	}
	if config.TrackerDB != "" {
		db, err := sqlitesink.Open(config.TrackerDB, config.Name)
		if err != nil {
			closeSinks(sinks)
			return err
		}
		klog.Infof("Tracking run %s to %s", db.RunID(), config.TrackerDB)
		sinks = append(sinks, db)
	}
	sink := tracker.Multi(sinks...)
	defer func() {
		if err := sink.Close(); err != nil {
			klog.Errorf("Closing tracker: %+v", err)
		}
	}()

	var extractor evaluation.FeatureExtractor
	if config.EvaluateEvery > 0 {
		if config.InceptionONNX != "" {
			onnx, err := onnxfeatures.New(onnxfeatures.Config{
				ModelPath:   config.InceptionONNX,
				LibraryPath: config.ORTLibrary,
			})
			if err != nil {
				return err
			}
			defer func() { _ = onnx.Close() }()
			extractor = onnx
		} else {
			klog.Warningf("No -inception_onnx given: FID and KID are computed on a random projection of the pixels, " +
				"and are not comparable to published values")
			extractor = evaluation.NewRandomProjection(projectionDim, uint64(context.GetParamOr(ctx, train.ParamSeed, 42)))
		}
	}

	if config.GNS && config.Workers == 1 {
		klog.Warningf("-gns needs more than one worker: with -workers=1 the gradient noise scale is never estimated")
	}

	return distributed.Launch(config.Workers, func(dist distributed.Context) error {
		return runWorker(ctx, config, dist, sink, extractor)
	})
}

func closeSinks(sinks []tracker.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// runWorker trains the replica of one worker.
func runWorker(ctx *context.Context, config Config, dist distributed.Context, sink tracker.Sink,
	extractor evaluation.FeatureExtractor) error {
	seed := uint64(context.GetParamOr(ctx, train.ParamSeed, 42))
	trainSet, err := imagefolder.New(config.TrainSet).
		Name("train").
		ImageSize(config.ImageSize).
		BatchSize(config.BatchSize).
		Shard(dist.Rank(), dist.WorldSize()).
		Shuffle(true, seed).
		DropIncompleteBatch(true).
		Done()
	if err != nil {
		return err
	}
	ds := datasets.ReadAhead(trainSet, readAheadBatches)

	backbone := pixelmlp.New(pixelmlp.ConfigFromContext(ctx, config.ImageSize, Channels))
	trainer, err := train.NewTrainer(ctx, backbone, dist, config.GNS)
	if err != nil {
		return err
	}

	var handler *checkpoints.Handler
	if dist.IsMain() {
		klog.Infof("Parameters: %s", humanize.Comma(int64(model.NumParams(trainer.Params()))))
		klog.Infof("Training set %q: %s images per worker, %d batches per epoch",
			config.TrainSet, humanize.Comma(int64(trainSet.NumImages())), trainSet.BatchesPerEpoch())
		handler, err = checkpoints.Build(config.Name).Dir(config.OutputDir).Keep(config.KeepCheckpoints).Done()
		if err != nil {
			return err
		}
	} else {
		sink = nil
	}

	acts, err := actions.New(ctx, actions.Config{
		Name:             config.Name,
		OutputDir:        config.OutputDir,
		ImageSize:        config.ImageSize,
		Channels:         Channels,
		NumToSample:      config.NumToSample,
		EvaluateN:        config.EvaluateN,
		BatchSize:        config.BatchSize,
		DemoEvery:        config.DemoEvery,
		EvaluateEvery:    config.EvaluateEvery,
		SaveEvery:        config.SaveEvery,
		TrackerSaveModel: config.TrackerSaveModel,
	}, trainer, handler, sink)
	if err != nil {
		return err
	}

	if extractor != nil {
		reals, err := imagefolder.New(config.TrainSet).
			Name("reals").
			ImageSize(config.ImageSize).
			BatchSize(config.BatchSize).
			Shard(dist.Rank(), dist.WorldSize()).
			Shuffle(true, seed+1).
			DropIncompleteBatch(true).
			Done()
		if err != nil {
			return err
		}
		perWorker := (config.EvaluateN + dist.WorldSize() - 1) / dist.WorldSize()
		numBatches := (perWorker + config.BatchSize - 1) / config.BatchSize
		if err = acts.SetExtractor(extractor, datasets.Take(datasets.Repeat(reals), numBatches)); err != nil {
			return err
		}
	}

	loop := train.NewLoop(trainer.TrainStep)
	loop.DatasetName = trainSet.Name()
	if config.Resume != "" {
		state, err := resume(config, dist, trainer)
		if err != nil {
			return err
		}
		loop.Resume(state)
	}
	train.LogEvery(loop, dist, int64(context.GetParamOr(ctx, train.ParamLogEvery, 25)))
	if dist.IsMain() && config.ProgressBar {
		commandline.AttachProgressBar(loop, metrics.DefaultTrainMetrics(config.GNS))
	}
	acts.Attach(loop)

	_, err = loop.Run(ds, config.MaxSteps)
	return err
}

// resume loads the checkpoint into the trainer. Every worker reads the checkpoint itself, so all replicas
// restart identical.
func resume(config Config, dist distributed.Context, trainer *train.Trainer) (train.State, error) {
	path := config.Resume
	if path == ResumeLatest {
		// Only the main worker owns a handler, so the file listing is done with a local one.
		handler, err := checkpoints.Build(config.Name).Dir(config.OutputDir).Done()
		if err != nil {
			return train.State{}, err
		}
		if path, err = handler.Latest(); err != nil {
			return train.State{}, err
		}
		if path == "" {
			return train.State{}, errors.Errorf("no checkpoint of run %q found in %q to resume from",
				config.Name, config.OutputDir)
		}
	}
	b, err := checkpoints.Load(path)
	if err != nil {
		return train.State{}, errors.WithMessagef(err, "resuming from %q", path)
	}
	state, err := trainer.Restore(b)
	if err != nil {
		return train.State{}, errors.WithMessagef(err, "resuming from %q", path)
	}
	if dist.IsMain() {
		klog.Infof("Resuming from %s at epoch %d, step %d", path, state.Epoch, state.Step)
	}
	return state, nil
}
