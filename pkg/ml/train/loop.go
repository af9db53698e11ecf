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

package train

import (
	"fmt"
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. They are called after each training step, with the metrics
// of the step just executed; loop.Step is the number of that step.
type OnStepFn func(loop *Loop, metrics StepMetrics) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics StepMetrics) error

// StepFn executes one training step on a batch of real images. Trainer.TrainStep implements it.
type StepFn func(reals *tensors.Tensor) (StepMetrics, error)

// State of the training loop: the number of the current training step and epoch, both starting from 0.
//
// Checkpoints store the State of the step when they were saved, and training resumes at the next step,
// see Loop.Resume.
type State struct {
	Step  int64
	Epoch int64
}

// Loop will run a training loop, invoking the train step function every step,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// sampling demo grids, evaluation, checkpointing, progress bars, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// State holds the step currently being executed (or, in between runs, the next step to execute)
	// and the current epoch.
	State

	// StartStep is the value of Step at the start of a run.
	StartStep int64

	// EndStep is one-past the last step to be executed, or -1 if running until interrupted.
	EndStep int64

	// DatasetName of the dataset being used in the current run.
	DatasetName string

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	stepFn StepFn

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the given train step function, starting at step 0, epoch 0.
func NewLoop(stepFn StepFn) *Loop {
	return &Loop{
		stepFn:     stepFn,
		EndStep:    -1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Resume sets the loop state to continue after the given checkpointed state: the next step executed
// is `state.Step+1`, and the epoch is kept.
func (loop *Loop) Resume(state State) {
	loop.State = State{Step: state.Step + 1, Epoch: state.Epoch}
}

// start of loop, it calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step executes one training step and calls the OnStep hooks.
// It checks for NaN or infinite loss before the hooks, and returns an error accordingly.
func (loop *Loop) step(reals *tensors.Tensor) (metrics StepMetrics, err error) {
	startTime := time.Now()
	metrics, err = loop.stepFn(reals)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return metrics, err
	}
	if math.IsNaN(metrics.Loss) {
		return metrics, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(metrics.Loss, 0) {
		return metrics, errors.Errorf("batch loss is infinity (%f), training interrupted", metrics.Loss)
	}

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, metrics)
		if err != nil {
			return metrics, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return metrics, nil
}

// end of loop, it calls the appropriate hooks.
func (loop *Loop) end(metrics StepMetrics) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// Run trains on the dataset, starting at the current State. If maxSteps > 0 it executes those many
// steps, otherwise it runs until an error happens or the process is terminated.
//
// The dataset is cycled indefinitely: when it returns io.EOF the epoch is incremented, the dataset is
// reset, and training continues. A dataset that yields nothing in a full epoch is an error.
//
// A NaN or infinite loss interrupts the training with an error.
//
// It returns the metrics of the last step executed.
func (loop *Loop) Run(ds Dataset, maxSteps int64) (metrics StepMetrics, err error) {
	loop.StartStep = loop.Step
	loop.EndStep = -1
	if maxSteps > 0 {
		loop.EndStep = loop.Step + maxSteps
	}
	loop.DatasetName = ds.Name()
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return
	}

	yieldsInEpoch := 0
	for loop.EndStep < 0 || loop.Step < loop.EndStep {
		var reals *tensors.Tensor
		reals, err = ds.Yield()
		if err == io.EOF {
			if yieldsInEpoch == 0 {
				return metrics, errors.Errorf("Loop.Run(): dataset %q yielded no batches in epoch %d", ds.Name(), loop.Epoch)
			}
			loop.Epoch++
			yieldsInEpoch = 0
			ds.Reset()
			continue
		}
		if err != nil {
			return metrics, errors.WithMessagef(err, "Loop.Run(): failed reading from dataset %q", ds.Name())
		}
		yieldsInEpoch++

		metrics, err = loop.step(reals)
		if err != nil {
			return metrics, errors.WithMessagef(err, "Loop.Run(): failed train step (epoch=%d, step=%d)",
				loop.Epoch, loop.Step)
		}
		loop.Step++
	}
	if err = loop.end(metrics); err != nil {
		return metrics, errors.WithMessagef(err, "Loop.Run(): failed end (step=%d)", loop.Step)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}

	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last training step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// StepPredicate selects the steps where a periodic action runs.
type StepPredicate func(step int64) bool

// Every returns a StepPredicate that is true when step is a multiple of n, including step 0.
// If n <= 0 it is never true.
func Every(n int64) StepPredicate {
	return func(step int64) bool {
		return n > 0 && step%n == 0
	}
}

// EveryPositive is like Every, but it is never true at step 0.
func EveryPositive(n int64) StepPredicate {
	return func(step int64) bool {
		return step > 0 && n > 0 && step%n == 0
	}
}

// Periodic registers an OnStep hook that calls fn only at the steps selected by when.
//
// Periodic actions with lower priority run first, and the ones with equal priority run in registration order.
func (loop *Loop) Periodic(name string, priority Priority, when StepPredicate, fn OnStepFn) {
	loop.OnStep(fmt.Sprintf("Periodic: %s", name), priority, func(loop *Loop, metrics StepMetrics) error {
		if !when(loop.Step) {
			return nil
		}
		return fn(loop, metrics)
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	list := h.hooks[priority]
	list = append(list, hook)
	h.hooks[priority] = list
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
