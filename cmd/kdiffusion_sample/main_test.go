// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion/sampling"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
)

// exportModel saves the weights of a fresh model, with the hyperparameters needed to rebuild it.
func exportModel(t *testing.T, dir string) string {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		pixelmlp.ParamImageSize:       4,
		pixelmlp.ParamBaseWidth:       4,
		pixelmlp.ParamFourierFeatures: 2,
		diffusion.ParamSigmaData:      0.5,
		sampling.ParamSteps:           50,
	})
	backbone := pixelmlp.New(pixelmlp.ConfigFromContext(ctx, 4, Channels))
	path := filepath.Join(dir, "weights"+checkpoints.Suffix)
	require.NoError(t, checkpoints.ExportWeights(path, model.StateDict(backbone.Parameters()), 100, ctx.ParamsMap()))
	return path
}

func TestLoadDenoiser(t *testing.T) {
	path := exportModel(t, t.TempDir())
	denoiser, ctx, imageSize, err := LoadDenoiser(path)
	require.NoError(t, err)
	assert.Equal(t, 4, imageSize)
	assert.Equal(t, 0.5, denoiser.SigmaData)
	assert.Equal(t, 50, context.GetParamOr(ctx, sampling.ParamSteps, 0))

	_, _, _, err = LoadDenoiser(filepath.Join(t.TempDir(), "missing"+checkpoints.Suffix))
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	config := Config{
		Checkpoint: exportModel(t, dir),
		Output:     filepath.Join(dir, "grid.png"),
		N:          5,
		BatchSize:  2,
	}
	// Fewer steps than the checkpoint's, to keep the test fast.
	require.NoError(t, Run(context.New(), "sample_steps=2", config))
	img, err := imaging.Open(config.Output)
	require.NoError(t, err)
	// 5 images of 4x4, 3 per row.
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())

	config.NumPerRow = 5
	require.NoError(t, Run(context.New(), "", config))
	img, err = imaging.Open(config.Output)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	config.N = 0
	require.Error(t, Run(context.New(), "", config))
}
