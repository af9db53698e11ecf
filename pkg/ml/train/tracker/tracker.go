// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracker defines the experiment tracking sinks: where the scalars of a training run
// (loss, learning rate, FID, ...) and its files (demo grids, checkpoints) are reported to.
//
// Only the main worker should log to a sink.
package tracker

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
	"github.com/gomlx/kdiffusion/pkg/support/xslices"
)

// Keys logged by the training program.
const (
	KeyEpoch     = "epoch"
	KeyLoss      = "loss"
	KeyLR        = "lr"
	KeyEMADecay  = "ema_decay"
	KeyGNS       = "gradient_noise_scale"
	KeyFID       = "FID"
	KeyKID       = "KID"
	KeyDemoGrid  = "demo_grid"
	KeyModelFile = "model"
)

// Sink receives the scalars of a training run.
type Sink interface {
	// Log the values for the given step.
	Log(step int64, values map[string]float64) error

	// Close flushes and releases the sink.
	Close() error
}

// FileSink is implemented by sinks that also keep track of files produced by the run.
type FileSink interface {
	Sink

	// LogFile records the file in path under the given key.
	LogFile(step int64, key, path string) error
}

// LogFile sends the file to sink if it implements FileSink, and otherwise it is a no-op.
func LogFile(sink Sink, step int64, key, path string) error {
	if fs, ok := sink.(FileSink); ok {
		return fs.LogFile(step, key, path)
	}
	return nil
}

// Nop is a Sink that discards everything. It's used when no tracking is configured.
type Nop struct{}

var _ FileSink = Nop{}

func (Nop) Log(int64, map[string]float64) error  { return nil }
func (Nop) LogFile(int64, string, string) error { return nil }
func (Nop) Close() error                        { return nil }

// multi fans out to several sinks.
type multi []Sink

// Multi returns a Sink that forwards to all the given sinks, in order. Files are forwarded to the sinks
// that implement FileSink. It returns Nop if sinks is empty, and the sink itself if there is only one.
func Multi(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return Nop{}
	case 1:
		return sinks[0]
	}
	return multi(sinks)
}

func (m multi) Log(step int64, values map[string]float64) error {
	for _, s := range m {
		if err := s.Log(step, values); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) LogFile(step int64, key, path string) error {
	for _, s := range m {
		if err := LogFile(s, step, key, path); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all sinks, and returns the first error.
func (m multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Record is one line of a JSONL tracker file. Either Values or Key and Path are set.
//
// Non-finite values are written as null, since JSON doesn't support them.
type Record struct {
	Run    string              `json:"run"`
	Time   time.Time           `json:"time"`
	Step   int64               `json:"step"`
	Values map[string]*float64 `json:"values,omitempty"`
	Key    string              `json:"key,omitempty"`
	Path   string              `json:"path,omitempty"`
}

// JSONL is a FileSink that appends one JSON record per line to a file.
// It is safe for concurrent use.
type JSONL struct {
	mu    sync.Mutex
	runID string
	path  string
	f     *os.File
	w     *bufio.Writer
	enc   *json.Encoder
}

var _ FileSink = (*JSONL)(nil)

// NewJSONL opens (or creates) the file in path for appending, with a new random run id.
func NewJSONL(path string) (*JSONL, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracker file %q", path)
	}
	j := &JSONL{runID: uuid.NewString(), path: path, f: f}
	j.w = bufio.NewWriter(f)
	j.enc = json.NewEncoder(j.w)
	klog.V(1).Infof("tracking run %s in %q", j.runID, path)
	return j, nil
}

// RunID identifies the lines written by this sink.
func (j *JSONL) RunID() string { return j.runID }

// Path of the file.
func (j *JSONL) Path() string { return j.path }

func (j *JSONL) write(rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.Errorf("tracker file %q already closed", j.path)
	}
	rec.Run = j.runID
	rec.Time = time.Now().UTC()
	if err := j.enc.Encode(rec); err != nil {
		return errors.Wrapf(err, "writing to tracker file %q", j.path)
	}
	return errors.Wrapf(j.w.Flush(), "writing to tracker file %q", j.path)
}

// Log implements Sink.
func (j *JSONL) Log(step int64, values map[string]float64) error {
	rec := &Record{Step: step, Values: make(map[string]*float64, len(values))}
	for _, key := range xslices.SortedKeys(values) {
		v := values[key]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			rec.Values[key] = nil
			continue
		}
		rec.Values[key] = &v
	}
	return j.write(rec)
}

// LogFile implements FileSink.
func (j *JSONL) LogFile(step int64, key, path string) error {
	return j.write(&Record{Step: step, Key: key, Path: path})
}

// Close implements Sink.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.w.Flush()
	if closeErr := j.f.Close(); err == nil {
		err = closeErr
	}
	j.f = nil
	return errors.Wrapf(err, "closing tracker file %q", j.path)
}
