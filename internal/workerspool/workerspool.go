// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the parallelism of the numeric work done inside one training worker:
// per-example backbone passes, image decoding and kernel matrices.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Pool of workers with a soft limit on the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// DefaultParallelism is the number of physical cores reported by cpuid, or runtime.NumCPU() if
// cpuid can't tell.
func DefaultParallelism() int {
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return cores
	}
	return runtime.NumCPU()
}

// New return a new Pool of workers with the DefaultParallelism.
func New() *Pool {
	w := &Pool{maxParallelism: DefaultParallelism()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled, and tasks are run inline.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It returns the pool itself, so calls can be cascaded.
//
// You should only change the parallelism before any workers start running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// ParallelFor calls fn(ii) for ii in [0, n) using the pool, and returns when all calls finished.
//
// A panic in any of the calls is re-raised in the caller, after all the other calls finished.
func (w *Pool) ParallelFor(n int, fn func(ii int)) {
	if n <= 0 {
		return
	}
	if n == 1 || w.maxParallelism == 0 {
		for ii := range n {
			fn(ii)
		}
		return
	}
	var wg sync.WaitGroup
	var panicMu sync.Mutex
	var firstPanic any
	for ii := range n {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicMu.Lock()
					if firstPanic == nil {
						firstPanic = r
					}
					panicMu.Unlock()
				}
			}()
			fn(ii)
		})
	}
	wg.Wait()
	if firstPanic != nil {
		panic(firstPanic)
	}
}

// Shards splits the range [0, n) into at most numShards contiguous ranges of nearly equal size,
// and calls fn(shard, start, end) for each in parallel.
// It returns the number of shards actually used.
func (w *Pool) Shards(n, numShards int, fn func(shard, start, end int)) int {
	if numShards > n {
		numShards = n
	}
	if numShards <= 0 {
		return 0
	}
	w.ParallelFor(numShards, func(shard int) {
		start := shard * n / numShards
		end := (shard + 1) * n / numShards
		fn(shard, start, end)
	})
	return numShards
}
