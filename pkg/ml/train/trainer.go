// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/distributed"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/context/checkpoints"
	"github.com/gomlx/kdiffusion/pkg/ml/diffusion"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
	"github.com/gomlx/kdiffusion/pkg/ml/train/ema"
	"github.com/gomlx/kdiffusion/pkg/ml/train/gns"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers/inverselr"
)

const (
	// ParamSeed is the context hyperparameter with the random seed of the training noise. Each worker
	// uses its own stream, derived from the seed and its rank. Default is 42.
	ParamSeed = "seed"

	// ParamLogEvery is the context hyperparameter with the number of steps between log lines, see LogEvery.
	// Default is 25.
	ParamLogEvery = "log_every"
)

// StepMetrics are the values reported by a training step.
type StepMetrics struct {
	// Loss is the mean loss of the step, averaged over all workers.
	Loss float64

	// LearningRate used by the optimizer in the step.
	LearningRate float64

	// EMADecay used to update the EMA model in the step.
	EMADecay float64

	// GNS is the current gradient noise scale estimate, or NaN if it is not being measured.
	GNS float64
}

// Trainer owns the replica of one worker: the live and EMA denoisers, the optimizer and all the
// schedules. It is their only writer.
type Trainer struct {
	// Model is the denoiser being trained, and ModelEMA the one holding the exponential moving average
	// of its parameters, used for sampling.
	Model, ModelEMA *diffusion.Denoiser

	Optimizer optimizers.Interface

	// BaseLearningRate is multiplied by the LR schedule.
	BaseLearningRate float64
	LR               *inverselr.Schedule
	EMASched         *ema.Warmup

	// GNS is nil if the gradient noise scale is not being measured.
	GNS     *gns.Estimator
	gnsHook gns.StatsHook

	Dist distributed.Context

	// HyperParams are the context parameters the trainer was created with, saved in the checkpoints.
	HyperParams map[string]any

	rng       *rand.Rand
	sigmaDist distuv.LogNormal
	reduceBuf []float32
}

// NewTrainer creates the Trainer for one worker from the context hyperparameters.
//
// The backbone must implement model.Cloner, to create the EMA shadow. The initial parameters are
// broadcast from the main worker, so all replicas start identical, and the EMA starts as a copy of them.
func NewTrainer(ctx *context.Context, backbone model.Backbone, dist distributed.Context, withGNS bool) (*Trainer, error) {
	cloner, ok := backbone.(model.Cloner)
	if !ok {
		return nil, errors.Errorf("backbone %T doesn't implement model.Cloner, required for the EMA model", backbone)
	}
	if dist == nil {
		dist = distributed.Single()
	}
	t := &Trainer{
		Model:            diffusion.FromContext(ctx, backbone),
		BaseLearningRate: context.GetParamOr(ctx, optimizers.ParamLearningRate, 3e-4),
		Dist:             dist,
		HyperParams:      ctx.ParamsMap(),
	}
	if !(t.BaseLearningRate > 0) {
		return nil, errors.Errorf("learning rate must be > 0, got %g", t.BaseLearningRate)
	}
	var err error
	if t.Optimizer, err = optimizers.FromContext(ctx); err != nil {
		return nil, err
	}
	if t.LR, err = inverselr.New().FromContext(ctx).Done(); err != nil {
		return nil, err
	}
	if t.EMASched, err = ema.WarmupFromContext(ctx); err != nil {
		return nil, err
	}
	if withGNS {
		if t.GNS, err = gns.FromContext(ctx); err != nil {
			return nil, err
		}
	}

	sigmaStd := context.GetParamOr(ctx, diffusion.ParamSigmaStd, 1.2)
	if !(sigmaStd > 0) {
		return nil, errors.Errorf("%s must be > 0, got %g", diffusion.ParamSigmaStd, sigmaStd)
	}
	seed := uint64(context.GetParamOr(ctx, ParamSeed, 42))
	source := rand.NewPCG(seed, uint64(dist.Rank()))
	t.rng = rand.New(source)
	t.sigmaDist = distuv.LogNormal{
		Mu:    context.GetParamOr(ctx, diffusion.ParamSigmaMean, -1.2),
		Sigma: sigmaStd,
		Src:   t.rng,
	}

	// Start all replicas from the parameters of the main worker.
	params := backbone.Parameters()
	t.reduceBuf = model.FlattenValues(params, t.reduceBuf)
	if err = dist.Broadcast(t.reduceBuf, 0); err != nil {
		return nil, errors.WithMessage(err, "broadcasting initial parameters")
	}
	model.UnflattenValues(params, t.reduceBuf)
	t.ModelEMA = diffusion.New(cloner.Clone(), t.Model.SigmaData)
	return t, nil
}

// Params returns the parameters being trained.
func (t *Trainer) Params() []*model.Parameter {
	return t.Model.Backbone.Parameters()
}

// EMAParams returns the parameters of the EMA model.
func (t *Trainer) EMAParams() []*model.Parameter {
	return t.ModelEMA.Backbone.Parameters()
}

// TrainStep executes one optimizer step on the batch of real images, in this order:
//
//  1. Zero the gradients.
//  2. Sample the noise and one noise level per example, from LogNormal(sigma_mean, sigma_std).
//  3. Forward and backward of the loss.
//  4. Average the gradients (and the loss) over the workers, collecting the gradient norms before and after
//     if measuring the gradient noise scale.
//  5. Optimizer step with the scheduled learning rate, and then the LR schedule step.
//  6. EMA update with the scheduled decay, and then the EMA schedule step.
//
// It implements StepFn.
func (t *Trainer) TrainStep(reals *tensors.Tensor) (metrics StepMetrics, err error) {
	if reals.Rank() < 2 || reals.BatchSize() == 0 {
		return metrics, errors.Errorf("TrainStep: invalid batch of reals with dimensions %v", reals.Dimensions)
	}
	params := t.Params()
	model.ZeroGrads(params)

	noise := tensors.ZerosLike(reals)
	for ii := range noise.Data {
		noise.Data[ii] = float32(t.rng.NormFloat64())
	}
	batchSize := reals.BatchSize()
	sigmas := make([]float64, batchSize)
	for ii := range sigmas {
		sigmas[ii] = t.sigmaDist.Rand()
	}
	loss := t.Model.LossAndGrad(reals, noise, sigmas)

	if t.GNS != nil {
		t.gnsHook.BeforeReduce(params)
	}
	t.reduceBuf = model.FlattenGrads(params, t.reduceBuf)
	t.reduceBuf = append(t.reduceBuf, float32(loss))
	if err = t.Dist.AllReduceMean(t.reduceBuf); err != nil {
		return metrics, errors.WithMessage(err, "reducing gradients")
	}
	model.UnflattenGrads(params, t.reduceBuf)
	metrics.Loss = float64(t.reduceBuf[len(t.reduceBuf)-1])
	metrics.GNS = math.NaN()
	if t.GNS != nil {
		t.gnsHook.AfterReduce(params)
		smallNorm, largeNorm := t.gnsHook.Stats()
		stats := []float32{float32(smallNorm), float32(largeNorm)}
		if err = t.Dist.AllReduceMean(stats); err != nil {
			return metrics, errors.WithMessage(err, "reducing gradient noise scale statistics")
		}
		t.GNS.Update(float64(stats[0]), float64(stats[1]), batchSize, batchSize*t.Dist.WorldSize())
		metrics.GNS = t.GNS.GNS()
	}

	metrics.LearningRate = t.LR.LearningRate(t.BaseLearningRate)
	if err = t.Optimizer.Step(params, metrics.LearningRate); err != nil {
		return metrics, err
	}
	t.LR.Step()

	metrics.EMADecay = t.EMASched.Value()
	if err = ema.Update(params, t.EMAParams(), metrics.EMADecay); err != nil {
		return metrics, err
	}
	t.EMASched.Step()
	return metrics, nil
}

// Bundle returns a checkpoint of the trainer for the given loop state. It holds copies of all
// tensors, so training can continue while it is being saved.
func (t *Trainer) Bundle(state State) *checkpoints.Bundle {
	b := &checkpoints.Bundle{
		Model:    model.StateDict(t.Params()),
		ModelEMA: model.StateDict(t.EMAParams()),
		Opt:      t.Optimizer.State().Clone(),
		Sched:    t.LR.State(),
		EMASched: t.EMASched.State(),
		Epoch:    state.Epoch,
		Step:     state.Step,
		Params:   t.HyperParams,
	}
	if t.GNS != nil {
		gnsState := t.GNS.State()
		b.GNSStats = &gnsState
	}
	return b
}

// Restore the trainer from a checkpoint, and returns the loop state saved with it: use Loop.Resume with it.
//
// Every tensor and every schedule state is checked before anything is changed, and it fails on any
// mismatch, leaving the trainer untouched. The GNS statistics are only restored if the trainer is
// measuring the gradient noise scale and the checkpoint has them.
func (t *Trainer) Restore(b *checkpoints.Bundle) (State, error) {
	if err := t.checkRestore(b); err != nil {
		return State{}, err
	}
	// Nothing below can fail after checkRestore, except for programming errors.
	if err := t.Optimizer.SetState(t.Params(), b.Opt); err != nil {
		return State{}, errors.WithMessage(err, "checkpoint optimizer state")
	}
	if err := t.LR.SetState(b.Sched); err != nil {
		return State{}, err
	}
	if err := t.EMASched.SetState(b.EMASched); err != nil {
		return State{}, err
	}
	if t.GNS != nil && b.GNSStats != nil {
		if err := t.GNS.SetState(*b.GNSStats); err != nil {
			return State{}, err
		}
	}
	if err := model.LoadStateDict(t.Params(), b.Model); err != nil {
		return State{}, err
	}
	if err := model.LoadStateDict(t.EMAParams(), b.ModelEMA); err != nil {
		return State{}, err
	}
	klog.V(1).Infof("restored trainer from checkpoint at epoch %d, step %d", b.Epoch, b.Step)
	return State{Step: b.Step, Epoch: b.Epoch}, nil
}

// checkRestore validates every part of the checkpoint against the trainer, without changing it.
func (t *Trainer) checkRestore(b *checkpoints.Bundle) error {
	if err := model.CheckState(t.Params(), b.Model); err != nil {
		return errors.WithMessage(err, "checkpoint model")
	}
	if err := model.CheckState(t.EMAParams(), b.ModelEMA); err != nil {
		return errors.WithMessage(err, "checkpoint EMA model")
	}
	if b.Opt == nil {
		return errors.New("checkpoint has no optimizer state")
	}
	if b.Step < 0 || b.Epoch < 0 {
		return errors.Errorf("checkpoint has invalid step %d or epoch %d", b.Step, b.Epoch)
	}
	if err := t.Optimizer.CheckState(t.Params(), b.Opt); err != nil {
		return errors.WithMessage(err, "checkpoint optimizer state")
	}
	if err := b.Sched.Validate(); err != nil {
		return errors.WithMessage(err, "checkpoint LR schedule")
	}
	if err := b.EMASched.Validate(); err != nil {
		return errors.WithMessage(err, "checkpoint EMA schedule")
	}
	if t.GNS != nil && b.GNSStats != nil {
		if err := b.GNSStats.Validate(); err != nil {
			return errors.WithMessage(err, "checkpoint gradient noise scale")
		}
	}
	return nil
}

// LogEvery registers an OnStep hook that logs the epoch, step, loss (and gradient noise scale, if
// measured) every n steps, on the main worker only.
func LogEvery(loop *Loop, dist distributed.Context, n int64) {
	if !dist.IsMain() || n <= 0 {
		return
	}
	loop.Periodic("log", -100, Every(n), func(loop *Loop, metrics StepMetrics) error {
		if math.IsNaN(metrics.GNS) {
			klog.Infof("Epoch: %d, step: %d, loss: %g", loop.Epoch, loop.Step, metrics.Loss)
		} else {
			klog.Infof("Epoch: %d, step: %d, loss: %g, gns: %g", loop.Epoch, loop.Step, metrics.Loss, metrics.GNS)
		}
		return nil
	})
}
