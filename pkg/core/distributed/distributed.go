// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the data-parallel execution context used by the trainer: a group of
// workers (one per replica of the model) that synchronize through collective operations.
//
// Workers run as goroutines of the same process (see Launch), each with a full replica of the model,
// the optimizer and the schedules. The collectives are blocking: every worker of the group must call
// the same collectives, in the same order.
//
// If any worker fails, the group is aborted: every pending and future collective returns an error
// instead of blocking forever.
package distributed

import (
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// Context is the view of the distributed execution a worker has.
type Context interface {
	// Rank of this worker, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of workers in the group.
	WorldSize() int

	// IsMain returns whether this is the worker responsible for I/O (rank 0).
	IsMain() bool

	// AllReduceMean replaces the values of buf, in every worker, with their element-wise mean over all workers.
	// All workers must pass buffers of the same length.
	AllReduceMean(buf []float32) error

	// Gather concatenates the local tensors of all workers along the batch axis (the first), ordered by rank.
	// Every worker receives the full result. All local tensors must have the same example shape.
	Gather(local *tensors.Tensor) (*tensors.Tensor, error)

	// Broadcast copies the values of buf of the root worker to the buf of every other worker.
	Broadcast(buf []float32, root int) error

	// Barrier blocks until every worker reaches it.
	Barrier() error
}

// single is the Context of a group of one worker.
type single struct{}

// Single returns the Context of a non-distributed execution: world size 1, and collectives that
// return immediately.
func Single() Context { return single{} }

func (single) Rank() int { return 0 }
func (single) WorldSize() int { return 1 }
func (single) IsMain() bool { return true }
func (single) AllReduceMean(_ []float32) error { return nil }
func (single) Gather(local *tensors.Tensor) (*tensors.Tensor, error) { return local.Clone(), nil }
func (single) Broadcast(_ []float32, _ int) error { return nil }
func (single) Barrier() error { return nil }
