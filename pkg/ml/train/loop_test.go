// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// countingDataset yields batchesPerEpoch batches of zeros, and then io.EOF.
type countingDataset struct {
	batchesPerEpoch, yielded, resets int
}

func (ds *countingDataset) Name() string { return "counting" }

func (ds *countingDataset) Reset() {
	ds.yielded = 0
	ds.resets++
}

func (ds *countingDataset) Yield() (*tensors.Tensor, error) {
	if ds.yielded >= ds.batchesPerEpoch {
		return nil, io.EOF
	}
	ds.yielded++
	return tensors.New(2, 4, 4, 3), nil
}

func constantLossStep(loss float64) StepFn {
	return func(_ *tensors.Tensor) (StepMetrics, error) {
		return StepMetrics{Loss: loss, GNS: math.NaN()}, nil
	}
}

func TestEvery(t *testing.T) {
	testCases := []struct {
		n                    int64
		step                 int64
		every, everyPositive bool
	}{
		{n: 5, step: 0, every: true, everyPositive: false},
		{n: 5, step: 5, every: true, everyPositive: true},
		{n: 5, step: 7, every: false, everyPositive: false},
		{n: 0, step: 0, every: false, everyPositive: false},
		{n: -1, step: 3, every: false, everyPositive: false},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("n=%d,step=%d", tc.n, tc.step), func(t *testing.T) {
			assert.Equal(t, tc.every, Every(tc.n)(tc.step))
			assert.Equal(t, tc.everyPositive, EveryPositive(tc.n)(tc.step))
		})
	}
}

func TestLoopEpochs(t *testing.T) {
	ds := &countingDataset{batchesPerEpoch: 3}
	loop := NewLoop(constantLossStep(1))
	var steps, epochs []int64
	loop.OnStep("record", 0, func(loop *Loop, _ StepMetrics) error {
		steps = append(steps, loop.Step)
		epochs = append(epochs, loop.Epoch)
		return nil
	})
	metrics, err := loop.Run(ds, 7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.Loss)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, steps)
	assert.Equal(t, []int64{0, 0, 0, 1, 1, 1, 2}, epochs)
	assert.Equal(t, State{Step: 7, Epoch: 2}, loop.State)
	assert.Equal(t, 2, ds.resets)
	assert.Len(t, loop.TrainStepDurations, 7)
}

func TestLoopPeriodicActions(t *testing.T) {
	loop := NewLoop(constantLossStep(1))
	var calls []string
	record := func(name string) OnStepFn {
		return func(loop *Loop, _ StepMetrics) error {
			calls = append(calls, fmt.Sprintf("%s@%d", name, loop.Step))
			return nil
		}
	}
	// Registered out of order on purpose: priorities define the order.
	loop.Periodic("save", 30, EveryPositive(3), record("save"))
	loop.Periodic("demo", 10, Every(2), record("demo"))
	loop.Periodic("evaluate", 20, EveryPositive(4), record("evaluate"))
	startCalled, endCalled := false, false
	loop.OnStart("start", 0, func(_ *Loop, ds Dataset) error {
		startCalled = true
		assert.Equal(t, "counting", ds.Name())
		return nil
	})
	loop.OnEnd("end", 0, func(loop *Loop, _ StepMetrics) error {
		endCalled = true
		assert.Equal(t, int64(7), loop.Step)
		return nil
	})
	_, err := loop.Run(&countingDataset{batchesPerEpoch: 100}, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo@0", "demo@2", "save@3", "demo@4", "evaluate@4", "demo@6", "save@6"}, calls)
	assert.True(t, startCalled)
	assert.True(t, endCalled)
}

func TestLoopNonFiniteLoss(t *testing.T) {
	for _, badLoss := range []float64{math.NaN(), math.Inf(1)} {
		t.Run(fmt.Sprintf("%g", badLoss), func(t *testing.T) {
			stepCount := 0
			loop := NewLoop(func(_ *tensors.Tensor) (StepMetrics, error) {
				stepCount++
				if stepCount == 3 {
					return StepMetrics{Loss: badLoss}, nil
				}
				return StepMetrics{Loss: 0.5}, nil
			})
			var hookSteps []int64
			loop.OnStep("record", 0, func(loop *Loop, _ StepMetrics) error {
				hookSteps = append(hookSteps, loop.Step)
				return nil
			})
			_, err := loop.Run(&countingDataset{batchesPerEpoch: 100}, 0)
			require.Error(t, err)
			assert.Equal(t, []int64{0, 1}, hookSteps, "hooks must not run on the failing step")
			assert.Equal(t, int64(2), loop.Step)
		})
	}
}

func TestLoopResume(t *testing.T) {
	loop := NewLoop(constantLossStep(1))
	loop.Resume(State{Step: 10, Epoch: 3})
	var steps []int64
	loop.OnStep("record", 0, func(loop *Loop, _ StepMetrics) error {
		steps = append(steps, loop.Step)
		assert.Equal(t, int64(3), loop.Epoch)
		return nil
	})
	_, err := loop.Run(&countingDataset{batchesPerEpoch: 100}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, steps)
	assert.Equal(t, int64(11), loop.StartStep)
}

func TestLoopEmptyDataset(t *testing.T) {
	loop := NewLoop(constantLossStep(1))
	_, err := loop.Run(&countingDataset{batchesPerEpoch: 0}, 5)
	require.Error(t, err)
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "cou", ShortName(&countingDataset{}))
}
