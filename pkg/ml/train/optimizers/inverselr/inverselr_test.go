/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package inverselr_test

import (
	"math"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers/inverselr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInverseLR(t *testing.T) {
	t.Run("no warmup", func(t *testing.T) {
		sched, err := inverselr.New().Warmup(0).Done()
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sched.Multiplier(0), 1e-12)
		previous := sched.Multiplier(0)
		for step := int64(1); step < 200_000; step += 997 {
			m := sched.Multiplier(step)
			require.LessOrEqual(t, m, previous, "step %d", step)
			previous = m
		}
		// After inv_gamma steps, with power 0.5, the learning rate is divided by sqrt(2).
		assert.InDelta(t, 1/math.Sqrt2, sched.Multiplier(50000), 1e-12)
	})

	t.Run("warmup", func(t *testing.T) {
		sched, err := inverselr.New().Done()
		require.NoError(t, err)
		assert.InDelta(t, 0.01, sched.Multiplier(0), 1e-12)
		assert.InDelta(t, 1-math.Pow(0.99, 101), sched.WarmupFactor(100), 1e-12)
		assert.Less(t, sched.Multiplier(0), sched.Multiplier(100))
	})

	t.Run("state", func(t *testing.T) {
		sched, err := inverselr.New().Done()
		require.NoError(t, err)
		assert.Equal(t, sched.LearningRateAt(0, 3e-4), sched.LearningRate(3e-4))
		sched.Step()
		sched.Step()
		assert.Equal(t, inverselr.State{Step: 2}, sched.State())
		assert.Equal(t, sched.LearningRateAt(2, 3e-4), sched.LearningRate(3e-4))

		restored, err := inverselr.New().Done()
		require.NoError(t, err)
		require.NoError(t, restored.SetState(sched.State()))
		assert.Equal(t, sched.LearningRate(3e-4), restored.LearningRate(3e-4))
	})

	t.Run("min learning rate", func(t *testing.T) {
		sched, err := inverselr.New().Warmup(0).InvGamma(1).Power(1).MinLearningRate(1e-5).Done()
		require.NoError(t, err)
		assert.InDelta(t, 1e-3/2, sched.LearningRateAt(1, 1e-3), 1e-15)
		assert.Equal(t, 1e-5, sched.LearningRateAt(1_000_000, 1e-3))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := inverselr.New().Warmup(1).Done()
		assert.Error(t, err)
		_, err = inverselr.New().InvGamma(0).Done()
		assert.Error(t, err)
		_, err = inverselr.New().Power(-1).Done()
		assert.Error(t, err)
	})
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		inverselr.ParamInvGamma: 1000.0,
		inverselr.ParamPower:    1.0,
		inverselr.ParamWarmup:   0.0,
	})
	sched, err := inverselr.New().FromContext(ctx).Done()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, sched.InvGamma)
	assert.Equal(t, 1.0, sched.Power)
	assert.Equal(t, 0.0, sched.Warmup)
	assert.Equal(t, 0.0, sched.MinLearningRate)
}
