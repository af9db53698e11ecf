// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrAborted is returned (wrapped) by the collectives of an aborted group.
var ErrAborted = errors.New("distributed group aborted")

// Group of workers running in the same process, synchronized through collectives.
// Create it with NewGroup, and use Group.Worker to get each worker's Context, or simply use Launch.
type Group struct {
	worldSize int

	mu            sync.Mutex
	cond          *sync.Cond // Signaled at the end of each collective and on abort.
	generation    int64
	arrived       int
	op            string
	contributions []any
	result        any
	resultErr     error
	abortErr      error
}

// NewGroup creates a group of worldSize workers.
func NewGroup(worldSize int) (*Group, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("distributed: world size must be >= 1, got %d", worldSize)
	}
	g := &Group{worldSize: worldSize, contributions: make([]any, worldSize)}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// WorldSize of the group.
func (g *Group) WorldSize() int { return g.worldSize }

// Worker returns the Context of the worker with the given rank.
func (g *Group) Worker(rank int) Context {
	if rank < 0 || rank >= g.worldSize {
		exceptions.Panicf("distributed: rank %d out of range for world size %d", rank, g.worldSize)
	}
	return &worker{group: g, rank: rank}
}

// Abort the group: every pending and future collective returns an error wrapping ErrAborted and err.
// Only the first abort error is kept.
func (g *Group) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortErr != nil {
		return
	}
	g.abortErr = errors.Wrapf(ErrAborted, "%v", err)
	g.cond.Broadcast()
}

// collective deposits the contribution of the worker, and blocks until every worker has arrived.
// The last one to arrive computes the result with reduce, which is shared by all workers.
func (g *Group) collective(rank int, op string, contribution any, reduce func(contributions []any) (any, error)) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortErr != nil {
		return nil, g.abortErr
	}
	if g.arrived > 0 && g.op != op {
		// Workers are not calling the same collectives: this can't be recovered.
		g.abortErr = errors.Wrapf(ErrAborted, "worker %d called %s while other workers called %s", rank, op, g.op)
		g.cond.Broadcast()
		return nil, g.abortErr
	}
	g.op = op
	generation := g.generation
	g.contributions[rank] = contribution
	g.arrived++
	if g.arrived == g.worldSize {
		g.result, g.resultErr = reduce(g.contributions)
		g.contributions = make([]any, g.worldSize)
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return g.result, g.resultErr
	}
	for g.generation == generation && g.abortErr == nil {
		g.cond.Wait()
	}
	if g.generation == generation {
		return nil, g.abortErr
	}
	// The next collective can't complete before this worker joins it, so result is still this generation's.
	return g.result, g.resultErr
}

type worker struct {
	group *Group
	rank  int
}

var _ Context = (*worker)(nil)

func (w *worker) Rank() int      { return w.rank }
func (w *worker) WorldSize() int { return w.group.worldSize }
func (w *worker) IsMain() bool   { return w.rank == 0 }

// AllReduceMean implements Context. The mean is accumulated in float64.
func (w *worker) AllReduceMean(buf []float32) error {
	result, err := w.group.collective(w.rank, "AllReduceMean", buf, func(contributions []any) (any, error) {
		size := len(contributions[0].([]float32))
		sums := make([]float64, size)
		for rank, c := range contributions {
			values := c.([]float32)
			if len(values) != size {
				return nil, errors.Errorf("AllReduceMean: worker %d has %d values, worker 0 has %d", rank, len(values), size)
			}
			for ii, v := range values {
				sums[ii] += float64(v)
			}
		}
		mean := make([]float32, size)
		for ii, s := range sums {
			mean[ii] = float32(s / float64(len(contributions)))
		}
		return mean, nil
	})
	if err != nil {
		return err
	}
	copy(buf, result.([]float32))
	return nil
}

// Gather implements Context.
func (w *worker) Gather(local *tensors.Tensor) (*tensors.Tensor, error) {
	result, err := w.group.collective(w.rank, "Gather", local, func(contributions []any) (any, error) {
		parts := make([]*tensors.Tensor, len(contributions))
		for rank, c := range contributions {
			parts[rank] = c.(*tensors.Tensor)
			if parts[rank].Rank() == 0 || !slices.Equal(parts[rank].Dimensions[1:], parts[0].Dimensions[1:]) {
				return nil, errors.Errorf("Gather: worker %d has shape %v, incompatible with worker 0's %v",
					rank, parts[rank].Dimensions, parts[0].Dimensions)
			}
		}
		return tensors.Concatenate(parts...), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*tensors.Tensor).Clone(), nil
}

// Broadcast implements Context.
func (w *worker) Broadcast(buf []float32, root int) error {
	op := fmt.Sprintf("Broadcast(root=%d)", root)
	result, err := w.group.collective(w.rank, op, buf, func(contributions []any) (any, error) {
		if root < 0 || root >= len(contributions) {
			return nil, errors.Errorf("Broadcast: invalid root %d", root)
		}
		values := contributions[root].([]float32)
		for rank, c := range contributions {
			if len(c.([]float32)) != len(values) {
				return nil, errors.Errorf("Broadcast: worker %d has %d values, root has %d", rank, len(c.([]float32)), len(values))
			}
		}
		return slices.Clone(values), nil
	})
	if err != nil {
		return err
	}
	copy(buf, result.([]float32))
	return nil
}

// Barrier implements Context.
func (w *worker) Barrier() error {
	_, err := w.group.collective(w.rank, "Barrier", nil, func([]any) (any, error) { return nil, nil })
	return err
}

// Launch runs fn on worldSize workers, each in its own goroutine, and waits for all of them.
//
// If any worker returns an error (or panics) the group is aborted, so the other workers fail on their
// next collective. The same happens when a worker returns while others still call collectives.
// It returns the first error.
func Launch(worldSize int, fn func(dist Context) error) error {
	group, err := NewGroup(worldSize)
	if err != nil {
		return err
	}
	var eg errgroup.Group
	var (
		muFirst  sync.Mutex
		firstErr error // First error not caused by the abort itself.
	)
	for rank := range worldSize {
		eg.Go(func() error {
			var fnErr error
			panicErr := exceptions.TryCatch[error](func() { fnErr = fn(group.Worker(rank)) })
			if panicErr != nil {
				fnErr = errors.WithMessagef(panicErr, "worker %d panicked", rank)
			}
			if fnErr != nil {
				if !errors.Is(fnErr, ErrAborted) {
					klog.Errorf("Worker %d failed: %+v", rank, fnErr)
					muFirst.Lock()
					if firstErr == nil {
						firstErr = fnErr
					}
					muFirst.Unlock()
				}
				group.Abort(errors.WithMessagef(fnErr, "worker %d failed", rank))
				return fnErr
			}
			// Collectives of the remaining workers can no longer complete.
			group.Abort(errors.Errorf("worker %d finished", rank))
			return nil
		})
	}
	err = eg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return err
}
