// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actions implements the periodic actions of a diffusion training run, attached to a train.Loop:
//
//   - Demo (priority 10): samples a grid of images with the EMA model and saves it as a PNG.
//   - Evaluate (priority 20): samples images with the EMA model and measures FID and KID against real images.
//   - Save (priority 30): saves a checkpoint.
//
// The actions run in every worker, since sampling and evaluation are distributed, but only the main
// worker writes files or reports to the tracker.
package actions

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/distributed"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/core/tensors/images"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion/sampling"
	"github.com/gomlx/kdiffusion/pkg/ml/evaluation"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
	"github.com/gomlx/kdiffusion/pkg/ml/train/metricslog"
	"github.com/gomlx/kdiffusion/pkg/ml/train/tracker"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
)

// Priorities of the actions: on the same step, demo runs before evaluate, and evaluate before save.
const (
	PriorityTrack    train.Priority = -50
	PriorityDemo     train.Priority = 10
	PriorityEvaluate train.Priority = 20
	PrioritySave     train.Priority = 30
)

// Config of the actions of a training run.
type Config struct {
	// Name of the run, used to name the output files.
	Name string

	// OutputDir where demo grids, checkpoints and the metrics log are written.
	OutputDir string

	// ImageSize and Channels of the images sampled.
	ImageSize, Channels int

	// NumToSample is the number of images of the demo grid.
	NumToSample int

	// EvaluateN is the number of real and generated images used for evaluation, sampled
	// in batches of BatchSize.
	EvaluateN, BatchSize int

	// DemoEvery, EvaluateEvery and SaveEvery are the periods, in steps, of each action.
	// The demo also runs at step 0. A period <= 0 disables the action.
	DemoEvery, EvaluateEvery, SaveEvery int64

	// TrackerSaveModel sends the saved checkpoints to the tracker.
	TrackerSaveModel bool
}

// Actions holds the state of the periodic actions of one worker.
type Actions struct {
	config  Config
	trainer *train.Trainer
	dist    distributed.Context

	sigmas   []float64
	order    int
	sigmaMax float64
	rng      *rand.Rand

	// Only set in the main worker.
	sink        tracker.Sink
	checkpoints *checkpoints.Handler
	metricsLog  *metricslog.Log

	extractor    evaluation.FeatureExtractor
	realFeatures *mat.Dense
}

// New creates the actions for the trainer of one worker. The sampling hyperparameters (number of steps,
// sigmas, rho and sampler order) are read from ctx.
//
// handler and sink are only used by the main worker, and they can be nil. A nil sink is the same as
// tracker.Nop. A nil handler makes Save fail, so it requires SaveEvery <= 0.
func New(ctx *context.Context, config Config, trainer *train.Trainer, handler *checkpoints.Handler, sink tracker.Sink) (*Actions, error) {
	if config.Name == "" {
		return nil, errors.New("actions: run name is required")
	}
	if config.ImageSize <= 0 || config.Channels <= 0 {
		return nil, errors.Errorf("actions: invalid image size %d or channels %d", config.ImageSize, config.Channels)
	}
	if sink == nil {
		sink = tracker.Nop{}
	}
	a := &Actions{
		config:      config,
		trainer:     trainer,
		dist:        trainer.Dist,
		order:       context.GetParamOr(ctx, sampling.ParamOrder, 4),
		sigmaMax:    context.GetParamOr(ctx, sampling.ParamSigmaMax, 80.0),
		sink:        sink,
		checkpoints: handler,
	}
	var err error
	if a.sigmas, err = sampling.KarrasSigmasFromContext(ctx); err != nil {
		return nil, err
	}
	// A stream different from the one of the training noise.
	seed := uint64(context.GetParamOr(ctx, train.ParamSeed, 42))
	a.rng = rand.New(rand.NewPCG(seed, uint64(a.dist.Rank())+1<<32))
	if a.dist.IsMain() && config.OutputDir != "" {
		if err = os.MkdirAll(config.OutputDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating output directory %q", config.OutputDir)
		}
	}
	return a, nil
}

// Attach registers the actions in the loop, with their periods. Evaluation is only registered if
// SetExtractor was called before.
func (a *Actions) Attach(loop *train.Loop) {
	if a.dist.IsMain() {
		if _, isNop := a.sink.(tracker.Nop); !isNop {
			loop.OnStep("track", PriorityTrack, a.track)
		}
	}
	loop.Periodic("demo", PriorityDemo, train.Every(a.config.DemoEvery), func(loop *train.Loop, _ train.StepMetrics) error {
		return a.Demo(loop.Step)
	})
	if a.extractor != nil {
		loop.Periodic("evaluate", PriorityEvaluate, train.EveryPositive(a.config.EvaluateEvery), func(loop *train.Loop, _ train.StepMetrics) error {
			_, _, err := a.Evaluate(loop.Step)
			return err
		})
	}
	loop.Periodic("save", PrioritySave, train.EveryPositive(a.config.SaveEvery), func(loop *train.Loop, _ train.StepMetrics) error {
		_, err := a.Save(loop.State)
		return err
	})
	loop.OnEnd("close actions", 0, func(*train.Loop, train.StepMetrics) error {
		return a.Close()
	})
}

// track sends the metrics of every step to the tracker.
func (a *Actions) track(loop *train.Loop, metrics train.StepMetrics) error {
	values := map[string]float64{
		tracker.KeyEpoch:    float64(loop.Epoch),
		tracker.KeyLoss:     metrics.Loss,
		tracker.KeyLR:       metrics.LearningRate,
		tracker.KeyEMADecay: metrics.EMADecay,
	}
	if a.trainer.GNS != nil && !math.IsNaN(metrics.GNS) {
		values[tracker.KeyGNS] = metrics.GNS
	}
	return a.sink.Log(loop.Step, values)
}

// Sample draws n images with the EMA model, in this worker: noise scaled by sigma_max, integrated with
// the LMS sampler over the Karras schedule. Images are shaped [n, size, size, channels].
func (a *Actions) Sample(n int) (*tensors.Tensor, error) {
	return Sample(a.trainer.ModelEMA, a.rng, n, a.config.ImageSize, a.config.Channels, a.sigmaMax, a.sigmas, a.order)
}

// Sample draws n images from denoiser, starting from Gaussian noise scaled by sigmaMax, integrated with the
// LMS sampler of the given order over the sigmas schedule.
func Sample(denoiser *diffusion.Denoiser, rng *rand.Rand, n, size, channels int, sigmaMax float64, sigmas []float64, order int) (*tensors.Tensor, error) {
	x := tensors.New(n, size, size, channels)
	for ii := range x.Data {
		x.Data[ii] = float32(rng.NormFloat64() * sigmaMax)
	}
	return sampling.LMS(denoiser.DenoiseAt, x, sigmas).Order(order).Done()
}

// DemoFilePath returns the path of the demo grid of the given step: "{name}_demo_{step:08d}.png".
func (a *Actions) DemoFilePath(step int64) string {
	return filepath.Join(a.config.OutputDir, fmt.Sprintf("%s_demo_%08d.png", a.config.Name, step))
}

// Demo samples ceil(NumToSample/worldSize) images in each worker, gathers them and, in the main worker, saves
// the first NumToSample as a grid with ceil(sqrt(NumToSample)) images per row.
func (a *Actions) Demo(step int64) error {
	if a.config.NumToSample <= 0 {
		return nil
	}
	if a.dist.IsMain() {
		klog.Infof("Sampling...")
	}
	worldSize := a.dist.WorldSize()
	nPerWorker := (a.config.NumToSample + worldSize - 1) / worldSize
	samples, err := a.Sample(nPerWorker)
	if err != nil {
		return err
	}
	all, err := a.dist.Gather(samples)
	if err != nil {
		return err
	}
	if !a.dist.IsMain() {
		return nil
	}
	all = all.BatchSlice(0, a.config.NumToSample)
	numPerRow := int(math.Ceil(math.Sqrt(float64(a.config.NumToSample))))
	path := a.DemoFilePath(step)
	if err = SaveGrid(path, all, numPerRow); err != nil {
		return err
	}
	return tracker.LogFile(a.sink, step, tracker.KeyDemoGrid, path)
}

// SaveGrid tiles the images, with values in [-1, 1], without padding, and saves the grid as a PNG file.
func SaveGrid(path string, batch *tensors.Tensor, numPerRow int) error {
	grid := images.Grid(batch, numPerRow, 0, 0)
	img := images.ToImage().ValueRange(-1, 1).Single(grid)
	return fsutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return errors.Wrapf(imaging.Encode(w, img, imaging.PNG), "encoding %q", path)
	})
}

// SetExtractor enables evaluation, and computes the features of EvaluateN real images, drawn from reals.
// It must be called in all workers.
func (a *Actions) SetExtractor(extractor evaluation.FeatureExtractor, reals train.Dataset) error {
	if a.config.EvaluateN < 2 || a.config.BatchSize <= 0 {
		return errors.Errorf("actions: invalid number of images to evaluate (%d) or batch size (%d)",
			a.config.EvaluateN, a.config.BatchSize)
	}
	if a.dist.IsMain() {
		klog.Infof("Computing features for reals...")
	}
	sampleReals := func(n int) (*tensors.Tensor, error) {
		batch, err := reals.Yield()
		if err == io.EOF {
			return nil, errors.Errorf("dataset %q exhausted while computing features of reals", reals.Name())
		}
		return batch, err
	}
	features, err := evaluation.ComputeFeatures(a.dist, sampleReals, extractor, a.config.EvaluateN, a.config.BatchSize)
	if err != nil {
		return err
	}
	a.extractor = extractor
	a.realFeatures = features
	if a.dist.IsMain() {
		path := metricslog.FilePath(a.config.OutputDir, a.config.Name)
		if a.metricsLog, err = metricslog.Open(path); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate samples EvaluateN images and compares their features with the ones of the reals.
// The main worker appends the FID and KID to the metrics log, and sends them to the tracker.
func (a *Actions) Evaluate(step int64) (fid, kid float64, err error) {
	if a.extractor == nil {
		return 0, 0, errors.New("actions: evaluation requires a feature extractor, see SetExtractor")
	}
	if a.dist.IsMain() {
		klog.Infof("Evaluating...")
	}
	fakes, err := evaluation.ComputeFeatures(a.dist, a.Sample, a.extractor, a.config.EvaluateN, a.config.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if fid, err = evaluation.FID(fakes, a.realFeatures); err != nil {
		return 0, 0, err
	}
	if kid, err = evaluation.KID(fakes, a.realFeatures); err != nil {
		return 0, 0, err
	}
	if !a.dist.IsMain() {
		return fid, kid, nil
	}
	klog.Infof("FID: %g, KID: %g", fid, kid)
	if err = a.metricsLog.Append(step, fid, kid); err != nil {
		return fid, kid, err
	}
	return fid, kid, a.sink.Log(step, map[string]float64{tracker.KeyFID: fid, tracker.KeyKID: kid})
}

// Save waits for all workers and then, in the main worker, saves a checkpoint of the trainer at the given
// loop state. It returns the path of the checkpoint, or "" in the other workers.
func (a *Actions) Save(state train.State) (string, error) {
	if err := a.dist.Barrier(); err != nil {
		return "", err
	}
	if !a.dist.IsMain() {
		return "", nil
	}
	if a.checkpoints == nil {
		return "", errors.New("actions: no checkpoint handler configured")
	}
	path := a.checkpoints.FilePath(state.Step)
	klog.Infof("Saving to %s...", path)
	path, err := a.checkpoints.Save(a.trainer.Bundle(state))
	if err != nil {
		return "", err
	}
	if a.config.TrackerSaveModel {
		if err = tracker.LogFile(a.sink, state.Step, tracker.KeyModelFile, path); err != nil {
			return path, err
		}
	}
	return path, nil
}

// Close the metrics log. The sink is owned by the caller.
func (a *Actions) Close() error {
	if a.metricsLog == nil {
		return nil
	}
	err := a.metricsLog.Close()
	a.metricsLog = nil
	return err
}
