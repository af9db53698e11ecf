// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"sync"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
)

// readAheadBatch is the result of one Yield of the source.
type readAheadBatch struct {
	batch *tensors.Tensor
	err   error // io.EOF or other error
}

// ReadAheadDataset is a wrapper around a train.Dataset that reads the next batches in the background,
// keeping them buffered in a channel so they're ready when Yield() is called. The order of the
// batches is preserved.
//
// After the source returns io.EOF, the readers keep returning io.EOF until Reset is called.
type ReadAheadDataset struct {
	source          train.Dataset
	sourceMu        sync.Mutex // Serializes the calls to source.Yield and the sends to nextBatch.
	name, shortName string
	bufferSize      int

	// nextBatch has room for bufferSize batches: there are always bufferSize batches either in the
	// channel or being read, so sending never blocks.
	nextBatch chan *readAheadBatch
}

var _ train.Dataset = &ReadAheadDataset{}

// ReadAhead returns a Dataset that reads bufferSize elements of the given `ds`
// so that when Yield is called, the results are immediate.
//
// If bufferSize <= 0, it returns ds itself.
func ReadAhead(ds train.Dataset, bufferSize int) train.Dataset {
	if bufferSize <= 0 {
		return ds
	}
	rds := &ReadAheadDataset{
		source:     ds,
		name:       ds.Name(),
		shortName:  train.ShortName(ds),
		bufferSize: bufferSize,
		nextBatch:  make(chan *readAheadBatch, bufferSize),
	}
	rds.startReaders()
	return rds
}

// Name implements train.Dataset.
func (ds *ReadAheadDataset) Name() string {
	return ds.name
}

// ShortName implements train.HasShortName.
func (ds *ReadAheadDataset) ShortName() string {
	return ds.shortName
}

// Reset implements train.Dataset.
func (ds *ReadAheadDataset) Reset() {
	// Drain the channel: this guarantees there are no more readers running.
	for range ds.bufferSize {
		<-ds.nextBatch
	}
	ds.source.Reset()
	ds.startReaders()
}

// Yield implements train.Dataset.
func (ds *ReadAheadDataset) Yield() (*tensors.Tensor, error) {
	next := <-ds.nextBatch
	go ds.reader() // Replaces the batch being consumed.
	return next.batch, next.err
}

func (ds *ReadAheadDataset) startReaders() {
	for range ds.bufferSize {
		go ds.reader()
	}
}

// reader yields one batch from the source and enqueues it.
//
// It is meant to be called on its own goroutine.
func (ds *ReadAheadDataset) reader() {
	ds.sourceMu.Lock()
	defer ds.sourceMu.Unlock()
	batch, err := ds.source.Yield()
	ds.nextBatch <- &readAheadBatch{batch: batch, err: err}
}
