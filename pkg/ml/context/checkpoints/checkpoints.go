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

// Package checkpoints implements the checkpoint of a diffusion training run: the Bundle with everything
// needed to resume training (model and EMA weights, optimizer, schedules, epoch, step and optional
// gradient noise scale statistics), its single-file binary format, and a Handler that saves
// numbered checkpoints into a directory and prunes old ones.
//
// Example: save a checkpoint every time the training loop asks for it, keeping the last
// `*flagKeep` ones.
//
//	handler, err := checkpoints.Build(*flagName).Dir(*flagOutputDir).Keep(*flagKeep).Done()
//	if err != nil {
//		klog.Exitf("failed to create checkpoints handler: %+v", err)
//	}
//	…
//	path, err := handler.Save(trainer.Bundle())
//
// Files are written atomically: a crash during Save leaves the previous checkpoints intact.
package checkpoints

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/train/ema"
	"github.com/gomlx/kdiffusion/pkg/ml/train/gns"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers/inverselr"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files.
	FilePermMode = os.FileMode(0660)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrNotCheckpoint is returned when reading a file that doesn't start with the checkpoint header.
	ErrNotCheckpoint = errors.New("not a kdiffusion checkpoint")
)

// Suffix of the checkpoint files.
const Suffix = ".ckpt"

// Bundle holds the full state of a training run.
type Bundle struct {
	// Model and ModelEMA map parameter names to their values.
	Model, ModelEMA map[string]*tensors.Tensor

	// Opt is the optimizer state, including its slots (e.g. Adam's moments). It may be nil for
	// exported weights.
	Opt *optimizers.State

	Sched    inverselr.State
	EMASched ema.State

	Epoch, Step int64

	// GNSStats is nil if the gradient noise scale was not being measured.
	GNSStats *gns.State

	// Params holds the hyperparameters of the run. It is informative only: numbers are read back as float64.
	Params map[string]any
}

// Validate checks that the tensors are well-formed and that the EMA weights and the optimizer slots
// match the model parameters.
func (b *Bundle) Validate() error {
	for _, nt := range b.enumerateTensors() {
		if nt.tensor == nil {
			return errors.Errorf("checkpoint tensor %s/%s is nil", nt.group, nt.name)
		}
		if len(nt.tensor.Data) != tensors.Size(nt.tensor.Dimensions) {
			return errors.Errorf("checkpoint tensor %s/%s has dimensions %v but %d values",
				nt.group, nt.name, nt.tensor.Dimensions, len(nt.tensor.Data))
		}
	}
	reference := b.Model
	if len(reference) == 0 {
		reference = b.ModelEMA
	}
	checkGroup := func(group string, values map[string]*tensors.Tensor) error {
		if len(values) != len(reference) {
			return errors.Errorf("checkpoint group %q has %d tensors, but the model has %d", group, len(values), len(reference))
		}
		for name, t := range values {
			ref, found := reference[name]
			if !found {
				return errors.Errorf("checkpoint group %q has tensor %q not in the model", group, name)
			}
			if !sameDimensions(ref, t) {
				return errors.Errorf("checkpoint tensor %s/%s has dimensions %v, but the model has %v",
					group, name, t.Dimensions, ref.Dimensions)
			}
		}
		return nil
	}
	if len(b.Model) > 0 && len(b.ModelEMA) > 0 {
		if err := checkGroup(GroupModelEMA, b.ModelEMA); err != nil {
			return err
		}
	}
	if b.Opt != nil {
		for _, slot := range b.Opt.SlotNames() {
			if err := checkGroup(GroupOptPrefix+slot, b.Opt.Slots[slot]); err != nil {
				return err
			}
		}
	}
	return nil
}

// NumParams returns the number of values of the model.
func (b *Bundle) NumParams() int {
	values := b.Model
	if len(values) == 0 {
		values = b.ModelEMA
	}
	var n int
	for _, t := range values {
		n += t.Size()
	}
	return n
}

// Save the bundle to filePath, atomically.
func Save(filePath string, b *Bundle, options ...Option) error {
	return fsutil.WriteFileAtomic(filePath, FilePermMode, func(w io.Writer) error {
		return Write(w, b, options...)
	})
}

// Load the bundle saved in filePath.
func Load(filePath string) (*Bundle, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint")
	}
	defer func() { _ = f.Close() }()
	b, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %q", filePath)
	}
	return b, nil
}

// ExportWeights saves only the given weights (usually the EMA ones) in half-precision, for
// distribution and sampling, along with the step and the hyperparameters params (it can be nil).
// Load reads it back, with the weights in Bundle.ModelEMA.
func ExportWeights(filePath string, weights map[string]*tensors.Tensor, step int64, params map[string]any) error {
	b := &Bundle{ModelEMA: weights, Step: step, Params: params}
	return Save(filePath, b, WithDType(Float16))
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	name string
	dir  string
	err  error
	keep int

	options []Option
}

// Build a configuration for building a checkpoints.Handler for the run with the given name. Checkpoint
// files are named `{name}_{step:08d}.ckpt`.
//
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
// By default, it uses the current directory and keeps all checkpoints.
func Build(name string) *Config {
	c := &Config{name: name, dir: ".", keep: -1}
	if name == "" {
		c.setError(errors.New("checkpoints.Build() requires a non-empty run name"))
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save the checkpoints. It is created if it doesn't exist.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		// Directory exists, all fine.
		return c
	}

	// Create the directory.
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses it as the checkpoints
// directory. See os.MkdirTemp. Mostly used for testing.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	return c
}

// Keep configures the number of checkpoint files to keep: after each Save, the oldest ones are removed.
// If n <= 0, all checkpoints are kept, which is the default.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithOptions sets the options used when writing checkpoints, e.g. WithCompression.
func (c *Config) WithOptions(options ...Option) *Config {
	c.options = append(c.options, options...)
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("%s: found %d previous checkpoints", h, len(list))
	return h, nil
}

// MustDone is like Done, but panics on error.
func (c *Config) MustDone() *Handler {
	return must.M1(c.Done())
}

// Handler saves numbered checkpoints to a directory, and keeps only the last ones (see Config.Keep).
type Handler struct {
	config *Config
}

func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", filepath.Join(h.config.dir, h.config.name))
}

// Dir returns the directory where checkpoints are saved.
func (h *Handler) Dir() string {
	return h.config.dir
}

// FilePath returns the path of the checkpoint for the given step.
func (h *Handler) FilePath(step int64) string {
	return filepath.Join(h.config.dir, fmt.Sprintf("%s_%08d%s", h.config.name, step, Suffix))
}

// Save the bundle as the checkpoint of bundle.Step. It returns the path of the file written.
func (h *Handler) Save(b *Bundle) (string, error) {
	filePath := h.FilePath(b.Step)
	if err := Save(filePath, b, h.config.options...); err != nil {
		return "", errors.WithMessagef(err, "%s: failed to save checkpoint", h)
	}
	klog.V(1).Infof("saved checkpoint %q", filePath)
	if err := h.keepNCheckpoints(); err != nil {
		return filePath, err
	}
	return filePath, nil
}

// ListCheckpoints returns the file paths of the checkpoints in the directory, sorted by step (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	type stepFile struct {
		step int64
		name string
	}
	var found []stepFile
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(h.config.name) + `_(\d{8,})` + regexp.QuoteMeta(Suffix) + `$`)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := re.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		step, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			continue
		}
		found = append(found, stepFile{step, entry.Name()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })
	for _, sf := range found {
		checkpoints = append(checkpoints, filepath.Join(h.config.dir, sf.name))
	}
	return checkpoints, nil
}

// Latest returns the path to the most recent checkpoint, or "" if there are none.
func (h *Handler) Latest() (string, error) {
	list, err := h.ListCheckpoints()
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[len(list)-1], nil
}

// keepNCheckpoints removes the oldest checkpoints in excess of Config.Keep.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep <= 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed ot list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, fileName := range list[:len(list)-h.config.keep] {
		err = os.Remove(fileName)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
		}
		klog.V(1).Infof("removed checkpoint %q", fileName)
	}
	return nil
}
