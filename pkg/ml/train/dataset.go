// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/splitbn/pkg/core/tensors"
)

// Dataset provides the data for a training Loop, one global batch at a time.
//
// The batch is sharded over the replicas of the Loop, so its batch size must be divisible by the number of
// replicas, and the shards by the split number of the layer.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()

	// Yield one global batch, or an error.
	//
	// If the error is io.EOF the run terminates normally, as it indicates the end of data for finite datasets,
	// maybe the end of the epoch.
	Yield() (batch *tensors.Tensor, err error)
}
