// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets is a collection of train.Dataset implementations used to train split batch normalization:
// the synthetic Gaussian source, and the wrappers Take and Parallel that can be combined with it.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/train"
)

// takeDataset implements a train.Dataset that only yields take batches per epoch.
type takeDataset struct {
	ds          train.Dataset
	count, take int
}

// Take returns a wrapper to ds that yields at most n batches, and then io.EOF until Reset.
//
// It can be used to create epochs out of an infinite dataset.
func Take(ds train.Dataset, n int) train.Dataset {
	return &takeDataset{
		ds:   ds,
		take: n,
	}
}

// Name implements train.Dataset.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements train.Dataset. It also resets the wrapped dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements train.Dataset.
func (ds *takeDataset) Yield() (*tensors.Tensor, error) {
	if ds.count >= ds.take {
		return nil, io.EOF
	}
	batch, err := ds.ds.Yield()
	if err == nil {
		ds.count++
	}
	return batch, err
}
