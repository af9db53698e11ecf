/*
 *	Copyright 2025 Jan Pfeifer
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
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// Dataset for a train.Loop provides the training images, one batch at a time.
//
// The Dataset interface allows for extensions by defining extra optional interfaces that
// a Dataset optionally can implement. See HasShortName.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning, typically reshuffling it. It is called by the
	// Loop after io.EOF is reached, at the start of each new epoch.
	Reset()

	// Yield one batch of real images, shaped `[batch_size, height, width, channels]` with values in [-1, 1].
	//
	// The batch ownership is transferred to the caller: the dataset must not reuse it.
	//
	// If the error is `io.EOF` it indicates the end of the epoch. Any other errors interrupt the
	// training and are returned to the user.
	//
	// When training with more than one worker, each worker has its own Dataset (a shard of the data), and
	// they all must yield the same number of batches per epoch: otherwise the workers would disagree
	// on the collective operations they take part in.
	Yield() (reals *tensors.Tensor, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of its name).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// ShortName returns the dataset short name, see HasShortName.
func ShortName(ds Dataset) string {
	if named, ok := ds.(HasShortName); ok {
		return named.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		name = name[:3]
	}
	return name
}
