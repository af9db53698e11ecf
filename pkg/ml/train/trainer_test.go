// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kdiffusion/pkg/core/distributed"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion/sampling"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/ml/model/constant"
	"github.com/gomlx/kdiffusion/pkg/ml/model/pixelmlp"
	"github.com/gomlx/kdiffusion/pkg/ml/train/ema"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
)

func testContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1e-3,
		ParamSeed:                    7,
	})
	return ctx
}

func smallBackbone(seed uint64) *pixelmlp.Backbone {
	return pixelmlp.New(pixelmlp.Config{
		ImageSize:       4,
		Channels:        3,
		HiddenWidths:    []int{8, 8},
		FourierFeatures: 2,
		Seed:            seed,
	})
}

func testReals(batchSize int, offset float32) *tensors.Tensor {
	reals := tensors.New(batchSize, 4, 4, 3)
	for ii := range reals.Data {
		reals.Data[ii] = offset + float32(ii%7)/7 - 0.5
	}
	return reals
}

func paramValues(params []*model.Parameter) []float32 {
	return model.FlattenValues(params, nil)
}

func TestNewTrainerRequiresCloner(t *testing.T) {
	type notCloneable struct{ model.Backbone }
	_, err := NewTrainer(testContext(), notCloneable{constant.New(0)}, nil, false)
	require.Error(t, err)
}

func TestTrainStep(t *testing.T) {
	trainer, err := NewTrainer(testContext(), smallBackbone(1), nil, false)
	require.NoError(t, err)
	initial := paramValues(trainer.Params())
	assert.Equal(t, initial, paramValues(trainer.EMAParams()), "EMA starts as a copy of the model")

	metrics, err := trainer.TrainStep(testReals(4, 0))
	require.NoError(t, err)
	assert.True(t, metrics.Loss > 0)
	assert.True(t, math.IsNaN(metrics.GNS), "GNS not measured")
	assert.InDelta(t, trainer.LR.LearningRateAt(0, 1e-3), metrics.LearningRate, 1e-15)
	assert.Equal(t, 0.0, metrics.EMADecay, "the EMA decay of the first step is 0")

	// With decay 0 the EMA is a copy of the updated model.
	updated := paramValues(trainer.Params())
	assert.NotEqual(t, initial, updated)
	assert.Equal(t, updated, paramValues(trainer.EMAParams()))

	// Every schedule advanced one step.
	assert.Equal(t, int64(1), trainer.LR.State().Step)
	assert.Equal(t, ema.State{Step: 1}, trainer.EMASched.State())
	assert.Equal(t, int64(1), trainer.Optimizer.State().Step)

	// The second step uses a non-zero decay: the EMA lags behind.
	metrics, err = trainer.TrainStep(testReals(4, 0))
	require.NoError(t, err)
	assert.InDelta(t, ema.NewWarmup().ValueAt(1), metrics.EMADecay, 1e-12)
	assert.NotEqual(t, paramValues(trainer.Params()), paramValues(trainer.EMAParams()))
}

// constantCycle runs one training step of a single pixel constant backbone followed by sampling with the
// EMA model over the schedule [80, 0.01, 0].
func constantCycle(t *testing.T) (StepMetrics, float32, float32) {
	ctx := testContext()
	ctx.SetParam(diffusion.ParamSigmaData, 0.5)
	trainer, err := NewTrainer(ctx, constant.New(0.1), nil, false)
	require.NoError(t, err)
	reals := tensors.New(1, 1, 1, 1)
	reals.Data[0] = 0.3
	metrics, err := trainer.TrainStep(reals)
	require.NoError(t, err)

	sigmas, err := sampling.KarrasSigmas(2, 0.01, 80, 7)
	require.NoError(t, err)
	require.Len(t, sigmas, 3)
	assert.InDelta(t, 80.0, sigmas[0], 1e-9)
	assert.InDelta(t, 0.01, sigmas[1], 1e-12)
	assert.Equal(t, 0.0, sigmas[2])
	x := tensors.New(1, 1, 1, 1)
	x.Data[0] = float32(0.7 * sigmas[0])
	sample, err := sampling.LMS(trainer.ModelEMA.DenoiseAt, x, sigmas).Done()
	require.NoError(t, err)
	return metrics, trainer.EMAParams()[0].Value[0], sample.Data[0]
}

func TestConstantBackboneCycle(t *testing.T) {
	metrics, emaValue, sample := constantCycle(t)
	for _, v := range []float64{metrics.Loss, metrics.LearningRate, float64(emaValue), float64(sample)} {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "non-finite value %g", v)
	}
	assert.True(t, metrics.Loss > 0)

	// Same seed, same results.
	metrics2, emaValue2, sample2 := constantCycle(t)
	assert.Equal(t, metrics.Loss, metrics2.Loss)
	assert.Equal(t, emaValue, emaValue2)
	assert.Equal(t, sample, sample2)
}

func TestTrainStepInvalidBatch(t *testing.T) {
	trainer, err := NewTrainer(testContext(), smallBackbone(1), nil, false)
	require.NoError(t, err)
	_, err = trainer.TrainStep(tensors.New(0, 4, 4, 3))
	require.Error(t, err)
}

func TestBundleRestore(t *testing.T) {
	ctx := testContext()
	source, err := NewTrainer(ctx, smallBackbone(1), nil, true)
	require.NoError(t, err)
	for range 3 {
		_, err = source.TrainStep(testReals(4, 0.1))
		require.NoError(t, err)
	}
	bundle := source.Bundle(State{Step: 2, Epoch: 1})
	require.NotNil(t, bundle.GNSStats)
	assert.Equal(t, int64(2), bundle.Step)

	target, err := NewTrainer(ctx, smallBackbone(2), nil, true)
	require.NoError(t, err)
	state, err := target.Restore(bundle)
	require.NoError(t, err)
	assert.Equal(t, State{Step: 2, Epoch: 1}, state)
	assert.Equal(t, paramValues(source.Params()), paramValues(target.Params()))
	assert.Equal(t, paramValues(source.EMAParams()), paramValues(target.EMAParams()))
	assert.Equal(t, source.LR.State(), target.LR.State())
	assert.Equal(t, source.EMASched.State(), target.EMASched.State())
	assert.Equal(t, source.Optimizer.State().Step, target.Optimizer.State().Step)

	loop := NewLoop(target.TrainStep)
	loop.Resume(state)
	assert.Equal(t, State{Step: 3, Epoch: 1}, loop.State)
}

func TestRestoreMismatch(t *testing.T) {
	ctx := testContext()
	source, err := NewTrainer(ctx, smallBackbone(1), nil, false)
	require.NoError(t, err)
	bundle := source.Bundle(State{})

	other := pixelmlp.New(pixelmlp.Config{ImageSize: 4, Channels: 3, HiddenWidths: []int{8, 16}, FourierFeatures: 2, Seed: 3})
	target, err := NewTrainer(ctx, other, nil, false)
	require.NoError(t, err)
	before := paramValues(target.Params())
	_, err = target.Restore(bundle)
	require.Error(t, err)
	assert.Equal(t, before, paramValues(target.Params()), "a failed restore must not change the model")

	// Missing optimizer state.
	target, err = NewTrainer(ctx, smallBackbone(2), nil, false)
	require.NoError(t, err)
	bundle.Opt = nil
	_, err = target.Restore(bundle)
	require.Error(t, err)

	// An invalid schedule state, checked after the optimizer and LR states that are fine, must leave
	// every part of the trainer untouched.
	trained, err := NewTrainer(ctx, smallBackbone(1), nil, true)
	require.NoError(t, err)
	for range 3 {
		_, err = trained.TrainStep(testReals(4, 0.1))
		require.NoError(t, err)
	}
	for name, corrupt := range map[string]func(b *checkpoints.Bundle){
		"ema_sched": func(b *checkpoints.Bundle) { b.EMASched.Step = -1 },
		"gns_stats": func(b *checkpoints.Bundle) { b.GNSStats.NumUpdates = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			bundle := trained.Bundle(State{Step: 2})
			corrupt(bundle)
			target, err := NewTrainer(ctx, smallBackbone(2), nil, true)
			require.NoError(t, err)
			before, beforeEMA := paramValues(target.Params()), paramValues(target.EMAParams())
			_, err = target.Restore(bundle)
			require.Error(t, err)
			assert.Equal(t, int64(0), target.Optimizer.State().Step)
			assert.Equal(t, int64(0), target.LR.State().Step)
			assert.Equal(t, ema.State{}, target.EMASched.State())
			assert.Equal(t, int64(0), target.GNS.State().NumUpdates)
			assert.Equal(t, before, paramValues(target.Params()))
			assert.Equal(t, beforeEMA, paramValues(target.EMAParams()))
		})
	}
}

func TestDistributedTrainStep(t *testing.T) {
	const worldSize = 3
	var mu sync.Mutex
	finalParams := make([][]float32, worldSize)
	gnsValues := make([]float64, worldSize)
	err := distributed.Launch(worldSize, func(dist distributed.Context) error {
		// Different initializations per worker: NewTrainer broadcasts the ones of the main worker.
		trainer, err := NewTrainer(testContext(), smallBackbone(uint64(dist.Rank())), dist, true)
		if err != nil {
			return err
		}
		var metrics StepMetrics
		for range 3 {
			metrics, err = trainer.TrainStep(testReals(2, float32(dist.Rank())*0.1))
			if err != nil {
				return err
			}
		}
		mu.Lock()
		defer mu.Unlock()
		finalParams[dist.Rank()] = paramValues(trainer.Params())
		gnsValues[dist.Rank()] = metrics.GNS
		return nil
	})
	require.NoError(t, err)
	for rank := 1; rank < worldSize; rank++ {
		assert.Equal(t, finalParams[0], finalParams[rank], "replicas of rank 0 and %d diverged", rank)
		assert.Equal(t, gnsValues[0], gnsValues[rank])
	}
	assert.False(t, math.IsNaN(gnsValues[0]))
}
