// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kdiffusion_train trains a diffusion model on a folder of images, periodically sampling demo grids,
// evaluating FID and KID, and saving checkpoints.
//
// Example:
//
//	kdiffusion_train -train_set=~/data/flowers -size=32 -workers=2 -output_dir=~/runs/flowers \
//		-set="sample_steps=30;/demo/sample_steps=20"
package main

import (
	"flag"
	"fmt"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion/sampling"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
	"github.com/gomlx/kdiffusion/pkg/ml/train/ema"
	"github.com/gomlx/kdiffusion/pkg/ml/train/gns"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers/inverselr"
	"github.com/gomlx/kdiffusion/ui/commandline"
)

var (
	flagBatchSize     = flag.Int("batch_size", 64, "Batch size of each worker.")
	flagLR            = flag.Float64("lr", 3e-4, "Base learning rate, multiplied by the inverse-power schedule.")
	flagSize          = flag.Int("size", 32, "Size (height and width) of the images.")
	flagDemoEvery     = flag.Int64("demo_every", 500, "Save a demo grid every so many steps, 0 to disable.")
	flagEvaluateEvery = flag.Int64("evaluate_every", 10000, "Evaluate FID and KID every so many steps, 0 to disable.")
	flagEvaluateN     = flag.Int("evaluate_n", 2000, "Number of real and generated images used for evaluation.")
	flagSaveEvery     = flag.Int64("save_every", 10000, "Save a checkpoint every so many steps, 0 to disable.")
	flagNToSample     = flag.Int("n_to_sample", 64, "Number of images in the demo grid.")
	flagName          = flag.String("name", "model", "Name of the run, used to name the output files.")
	flagResume        = flag.String("resume", "", `Checkpoint to resume from, or "latest" for the last checkpoint of the run.`)
	flagTrainSet      = flag.String("train_set", "", "Directory with the training images (required).")
	flagGNS           = flag.Bool("gns", false, "Measure the gradient noise scale.")
	flagWorkers       = flag.Int("workers", 1, "Number of data-parallel workers.")
	flagOutputDir     = flag.String("output_dir", ".", "Directory for demo grids, checkpoints and metrics.")
	flagMaxSteps      = flag.Int64("max_steps", 0, "Number of steps to train, 0 to train until interrupted.")
	flagKeep          = flag.Int("keep_checkpoints", 0, "Number of checkpoints to keep, 0 keeps all.")
	flagInception     = flag.String("inception_onnx", "", "InceptionV3 ONNX model used as feature extractor for "+
		"evaluation. If empty, a random projection of the pixels is used.")
	flagOrtLib           = flag.String("ort_lib", "", "ONNX Runtime shared library, used with -inception_onnx.")
	flagTrackerDB        = flag.String("tracker_db", "", "SQLite database where metrics are tracked, if set.")
	flagTrackerJSONL     = flag.String("tracker_jsonl", "", "JSON Lines file where metrics are tracked, if set.")
	flagTrackerSaveModel = flag.Bool("tracker_save_model", false, "Send the saved checkpoints to the tracker.")
	flagProgressBar      = flag.Bool("progress_bar", true, "Display a progress bar with the training metrics.")
)

// CreateDefaultContext returns the context with the default values of all hyperparameters, that
// can be changed with -set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		sampling.ParamSigmaMin:          1e-2,
		sampling.ParamSigmaMax:          80.0,
		sampling.ParamSteps:             50,
		sampling.ParamRho:               7.0,
		sampling.ParamOrder:             4,
		diffusion.ParamSigmaData:        0.5,
		diffusion.ParamSigmaMean:        -1.2,
		diffusion.ParamSigmaStd:         1.2,
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    3e-4,
		optimizers.ParamAdamBeta1:       0.95,
		optimizers.ParamAdamBeta2:       0.999,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamWeightDecay: 0.0,
		inverselr.ParamInvGamma:         50000.0,
		inverselr.ParamPower:            0.5,
		inverselr.ParamWarmup:           0.99,
		ema.ParamPower:                  0.75,
		ema.ParamMaxValue:               0.999,
		gns.ParamBeta:                   0.9998,
		train.ParamLogEvery:             25,
		train.ParamSeed:                 42,
		pixelmlp.ParamBaseWidth:         32,
		pixelmlp.ParamFourierFeatures:   8,
	})
	return ctx
}

func main() {
	ctx := CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagTrainSet == "" {
		klog.Exitf("-train_set is required, see kdiffusion_train -help")
	}
	ctx.SetParam(optimizers.ParamLearningRate, *flagLR)
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Exitf("Invalid -set: %+v", err)
	}
	if len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	config := Config{
		Name:             *flagName,
		TrainSet:         must.M1(expandDir(*flagTrainSet)),
		OutputDir:        must.M1(expandDir(*flagOutputDir)),
		Resume:           *flagResume,
		ImageSize:        *flagSize,
		BatchSize:        *flagBatchSize,
		Workers:          *flagWorkers,
		MaxSteps:         *flagMaxSteps,
		GNS:              *flagGNS,
		NumToSample:      *flagNToSample,
		EvaluateN:        *flagEvaluateN,
		DemoEvery:        *flagDemoEvery,
		EvaluateEvery:    *flagEvaluateEvery,
		SaveEvery:        *flagSaveEvery,
		KeepCheckpoints:  *flagKeep,
		InceptionONNX:    *flagInception,
		ORTLibrary:       *flagOrtLib,
		TrackerDB:        *flagTrackerDB,
		TrackerJSONL:     *flagTrackerJSONL,
		TrackerSaveModel: *flagTrackerSaveModel,
		ProgressBar:      *flagProgressBar,
	}
	if err := Run(ctx, config); err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
}
