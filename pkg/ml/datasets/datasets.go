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

// Package datasets is a collection of utility datasets (train.Dataset) that wrap other datasets:
// `Take`, `ReadAhead` and `Repeat`.
//
// The image datasets themselves are in the subpackages, e.g. imagefolder.
package datasets

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/train"
)

// takeDataset implements a `train.Dataset` that only yields `take` batches.
type takeDataset struct {
	ds          train.Dataset
	count, take int
}

// Take returns a wrapper to `ds`, a `train.Dataset` that only yields `n` batches per epoch.
func Take(ds train.Dataset, n int) train.Dataset {
	return &takeDataset{
		ds:   ds,
		take: n,
	}
}

// Name implements train.Dataset. It returns the dataset name.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements train.Dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements train.Dataset.
func (ds *takeDataset) Yield() (*tensors.Tensor, error) {
	if ds.count >= ds.take {
		return nil, io.EOF
	}
	ds.count++
	return ds.ds.Yield()
}

// repeatDataset restarts the underlying dataset at the end of each epoch.
type repeatDataset struct {
	ds train.Dataset
}

// Repeat returns a dataset that never returns io.EOF: at the end of an epoch of `ds` it is Reset and
// read again. An empty epoch returns an error instead of looping forever.
//
// It is used to draw the real images for evaluation, which may span more than one epoch.
func Repeat(ds train.Dataset) train.Dataset {
	return &repeatDataset{ds: ds}
}

// Name implements train.Dataset.
func (ds *repeatDataset) Name() string {
	return ds.ds.Name()
}

// Reset implements train.Dataset.
func (ds *repeatDataset) Reset() {
	ds.ds.Reset()
}

// Yield implements train.Dataset.
func (ds *repeatDataset) Yield() (*tensors.Tensor, error) {
	batch, err := ds.ds.Yield()
	if err != io.EOF {
		return batch, err
	}
	ds.ds.Reset()
	batch, err = ds.ds.Yield()
	if err == io.EOF {
		return nil, errors.Errorf("dataset %q has an empty epoch", ds.ds.Name())
	}
	return batch, err
}
