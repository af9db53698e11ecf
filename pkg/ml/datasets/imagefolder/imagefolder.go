// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder implements a train.Dataset of the images found (recursively) in a directory.
//
// Each image is resized with a Lanczos filter so its shorter side matches the target size, and then
// center cropped to a square. Values are mapped to [-1, 1], and batches are shaped
// [batch_size, size, size, 3].
//
// For distributed training, each worker reads its own shard of the images. All shards have the same
// number of images, so all workers see the same number of batches per epoch.
package imagefolder

import (
	"image"
	"io"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/internal/workerspool"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/core/tensors/images"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
)

// Extensions of the files considered images, all decoded by github.com/disintegration/imaging.
var Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// Config of a Dataset, created with New.
type Config struct {
	dir                 string
	name                string
	size, batchSize     int
	rank, worldSize     int
	shuffle             bool
	seed                uint64
	dropIncompleteBatch bool
	pool                *workerspool.Pool
}

// New starts the configuration of a dataset of the images in dir.
//
// Defaults: image size 32, batch size 64, no sharding, shuffled with seed 0 and the incomplete
// last batch of each epoch dropped.
func New(dir string) *Config {
	return &Config{
		dir:                 dir,
		size:                32,
		batchSize:           64,
		worldSize:           1,
		shuffle:             true,
		dropIncompleteBatch: true,
		pool:                workerspool.New(),
	}
}

// Name of the dataset. The default is the base name of the directory.
func (c *Config) Name(name string) *Config {
	c.name = name
	return c
}

// ImageSize of the square images yielded.
func (c *Config) ImageSize(size int) *Config {
	c.size = size
	return c
}

// BatchSize of the batches yielded.
func (c *Config) BatchSize(batchSize int) *Config {
	c.batchSize = batchSize
	return c
}

// Shard configures the dataset to yield only the shard of images of the worker rank, out of worldSize workers.
// Images that don't divide evenly among workers are left out of the epoch.
func (c *Config) Shard(rank, worldSize int) *Config {
	c.rank, c.worldSize = rank, worldSize
	return c
}

// Shuffle configures whether to shuffle the images at every epoch. The permutation of each epoch
// only depends on the seed and the epoch number, so all workers use the same before sharding.
func (c *Config) Shuffle(shuffle bool, seed uint64) *Config {
	c.shuffle, c.seed = shuffle, seed
	return c
}

// DropIncompleteBatch configures whether the last batch of an epoch is dropped if incomplete.
func (c *Config) DropIncompleteBatch(drop bool) *Config {
	c.dropIncompleteBatch = drop
	return c
}

// Parallelism sets the maximum number of images decoded in parallel. 0 decodes them sequentially.
func (c *Config) Parallelism(n int) *Config {
	c.pool = workerspool.New().SetMaxParallelism(n)
	return c
}

// Done lists the images in the directory and returns the Dataset.
func (c *Config) Done() (*Dataset, error) {
	if c.size <= 0 || c.batchSize <= 0 {
		return nil, errors.Errorf("imagefolder: invalid image size %d or batch size %d", c.size, c.batchSize)
	}
	if c.worldSize <= 0 || c.rank < 0 || c.rank >= c.worldSize {
		return nil, errors.Errorf("imagefolder: invalid shard %d of %d", c.rank, c.worldSize)
	}
	dir, err := fsutil.ReplaceTildeInDir(c.dir)
	if err != nil {
		return nil, err
	}
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	perShard := len(paths) / c.worldSize
	if perShard == 0 || (c.dropIncompleteBatch && perShard < c.batchSize) {
		return nil, errors.Errorf("imagefolder: %d images in %q are not enough for %d workers with batch size %d",
			len(paths), dir, c.worldSize, c.batchSize)
	}
	ds := &Dataset{config: *c, dir: dir, paths: paths, perShard: perShard}
	if ds.config.name == "" {
		ds.config.name = filepath.Base(dir)
	}
	ds.Reset()
	klog.V(1).Infof("dataset %q: %d images, %d per worker, %d batches per epoch",
		ds.config.name, len(paths), perShard, ds.BatchesPerEpoch())
	return ds, nil
}

// ListImages returns the sorted paths of all images under dir, with one of the Extensions.
func ListImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if slices.Contains(Extensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing images in %q", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	slices.Sort(paths)
	return paths, nil
}

// Dataset implements train.Dataset. Yield and Reset can be called concurrently.
type Dataset struct {
	config   Config
	dir      string
	paths    []string
	perShard int

	mu    sync.Mutex
	epoch uint64
	order []int // Indices into paths of this worker's shard, for the current epoch.
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.config.name }

// NumImages is the number of images of the worker's shard.
func (ds *Dataset) NumImages() int { return ds.perShard }

// BatchesPerEpoch yielded by the dataset.
func (ds *Dataset) BatchesPerEpoch() int {
	if ds.config.dropIncompleteBatch {
		return ds.perShard / ds.config.batchSize
	}
	return (ds.perShard + ds.config.batchSize - 1) / ds.config.batchSize
}

// Reset implements train.Dataset: it starts a new epoch, with a new permutation if shuffling.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	permutation := make([]int, len(ds.paths))
	for ii := range permutation {
		permutation[ii] = ii
	}
	if ds.config.shuffle {
		rng := rand.New(rand.NewPCG(ds.config.seed, ds.epoch))
		rng.Shuffle(len(permutation), func(i, j int) {
			permutation[i], permutation[j] = permutation[j], permutation[i]
		})
	}
	ds.order = make([]int, ds.perShard)
	for ii := range ds.order {
		ds.order[ii] = permutation[ii*ds.config.worldSize+ds.config.rank]
	}
	ds.next = 0
	ds.epoch++
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
func (ds *Dataset) Yield() (*tensors.Tensor, error) {
	ds.mu.Lock()
	remaining := len(ds.order) - ds.next
	count := min(remaining, ds.config.batchSize)
	if count == 0 || (ds.config.dropIncompleteBatch && count < ds.config.batchSize) {
		ds.mu.Unlock()
		return nil, io.EOF
	}
	batchPaths := make([]string, count)
	for ii := range count {
		batchPaths[ii] = ds.paths[ds.order[ds.next+ii]]
	}
	ds.next += count
	ds.mu.Unlock()
	return LoadBatch(ds.config.pool, batchPaths, ds.config.size)
}

// LoadBatch decodes the images in paths, in parallel, and returns them shaped [len(paths), size, size, 3]
// with values in [-1, 1].
func LoadBatch(pool *workerspool.Pool, paths []string, size int) (*tensors.Tensor, error) {
	batch := tensors.New(len(paths), size, size, 3)
	errs := make([]error, len(paths))
	toTensor := images.ToTensor().ValueRange(-1, 1)
	pool.ParallelFor(len(paths), func(ii int) {
		img, err := LoadImage(paths[ii], size)
		if err != nil {
			errs[ii] = err
			return
		}
		errs[ii] = exceptions.TryCatch[error](func() {
			copy(batch.Example(ii), toTensor.Single(img).Data)
		})
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// LoadImage decodes the image in path, resizes its shorter side to size with a Lanczos filter, and crops
// the center square.
func LoadImage(path string, size int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), nil
}
