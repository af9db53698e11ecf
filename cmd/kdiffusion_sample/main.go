// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kdiffusion_sample draws images from a trained model, using the EMA weights of a checkpoint (or of
// exported weights), and saves them as a grid.
//
// The model is rebuilt from the hyperparameters saved with the checkpoint, and the sampler settings can be
// changed with -set, e.g.:
//
//	kdiffusion_sample -checkpoint=~/runs/flowers/model_00100000.ckpt -n=16 -set="sample_steps=100"
package main

import (
	"flag"
	"math"
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion/sampling"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
	"github.com/gomlx/kdiffusion/pkg/ml/train/actions"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
	"github.com/gomlx/kdiffusion/ui/commandline"
)

// Channels of the images generated.
const Channels = 3

var (
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint or exported weights to sample from (required).")
	flagN          = flag.Int("n", 64, "Number of images to sample.")
	flagBatchSize  = flag.Int("batch_size", 16, "Number of images sampled at a time.")
	flagPerRow     = flag.Int("per_row", 0, "Images per row of the grid. If 0, ceil(sqrt(n)) is used.")
	flagOutput     = flag.String("output", "samples.png", "PNG file where to save the grid of samples.")
	flagSeed       = flag.Uint64("seed", 0, "Seed of the sampling noise.")
)

// Config of a sampling run.
type Config struct {
	Checkpoint, Output      string
	N, BatchSize, NumPerRow int
	Seed                    uint64

	// ProgressBar displays the progress of sampling, one tick per batch.
	ProgressBar bool
}

func main() {
	ctx := context.New()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" {
		klog.Exitf("-checkpoint is required, see kdiffusion_sample -help")
	}
	config := Config{
		Checkpoint:  *flagCheckpoint,
		Output:      *flagOutput,
		N:           *flagN,
		BatchSize:   *flagBatchSize,
		NumPerRow:   *flagPerRow,
		Seed:        *flagSeed,
		ProgressBar: true,
	}
	if err := Run(ctx, *settings, config); err != nil {
		klog.Exitf("Sampling failed: %+v", err)
	}
	klog.Infof("Saved %d samples to %s", config.N, config.Output)
}

// LoadDenoiser rebuilds the EMA denoiser saved in the checkpoint. It returns the context with the
// hyperparameters of the checkpoint, and the image size.
func LoadDenoiser(path string) (denoiser *diffusion.Denoiser, ctx *context.Context, imageSize int, err error) {
	b, err := checkpoints.Load(path)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(b.ModelEMA) == 0 {
		return nil, nil, 0, errors.Errorf("checkpoint %q has no EMA weights", path)
	}
	cfg, err := pixelmlp.ConfigFromParams(b.Params, Channels)
	if err != nil {
		return nil, nil, 0, errors.WithMessagef(err, "rebuilding model of %q", path)
	}
	backbone := pixelmlp.New(cfg)
	if err = model.LoadStateDict(backbone.Parameters(), b.ModelEMA); err != nil {
		return nil, nil, 0, errors.WithMessagef(err, "loading EMA weights of %q", path)
	}
	ctx = context.New()
	ctx.LoadParamsMap(b.Params)
	klog.V(1).Infof("loaded %s parameters from %q, step %d", humanize.Comma(int64(b.NumParams())), path, b.Step)
	return diffusion.FromContext(ctx, backbone), ctx, cfg.ImageSize, nil
}

// Run loads the model, applies the settings (see commandline.ParseContextSettings) over the hyperparameters
// of the checkpoint, samples the images and saves the grid.
//
// Parameters set in ctx before are used as defaults, overridden by the checkpoint ones.
func Run(ctx *context.Context, settings string, config Config) error {
	if config.N <= 0 || config.BatchSize <= 0 {
		return errors.Errorf("invalid number of images %d or batch size %d", config.N, config.BatchSize)
	}
	checkpointPath, err := fsutil.ReplaceTildeInDir(config.Checkpoint)
	if err != nil {
		return err
	}
	denoiser, savedCtx, imageSize, err := LoadDenoiser(checkpointPath)
	if err != nil {
		return err
	}
	ctx.LoadParamsMap(savedCtx.ParamsMap())
	if _, err = commandline.ParseContextSettings(ctx, settings); err != nil {
		return err
	}
	sigmas, err := sampling.KarrasSigmasFromContext(ctx)
	if err != nil {
		return err
	}
	sigmaMax := context.GetParamOr(ctx, sampling.ParamSigmaMax, 80.0)
	order := context.GetParamOr(ctx, sampling.ParamOrder, 4)
	rng := rand.New(rand.NewPCG(config.Seed, 0))

	var bar *progressbar.ProgressBar
	if config.ProgressBar {
		bar = progressbar.Default(int64(config.N), "sampling")
	}
	batches := make([]*tensors.Tensor, 0, (config.N+config.BatchSize-1)/config.BatchSize)
	for start := 0; start < config.N; start += config.BatchSize {
		n := min(config.BatchSize, config.N-start)
		batch, err := actions.Sample(denoiser, rng, n, imageSize, Channels, sigmaMax, sigmas, order)
		if err != nil {
			return err
		}
		batches = append(batches, batch)
		if bar != nil {
			_ = bar.Add(n)
		}
	}
	all := tensors.Concatenate(batches...)
	numPerRow := config.NumPerRow
	if numPerRow <= 0 {
		numPerRow = int(math.Ceil(math.Sqrt(float64(config.N))))
	}
	output, err := fsutil.ReplaceTildeInDir(config.Output)
	if err != nil {
		return err
	}
	return actions.SaveGrid(output, all, numPerRow)
}
