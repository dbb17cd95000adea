// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Gaussian is a synthetic train.Dataset of batches shaped [batchSize, spatialDims..., numFeatures], where each
// feature follows an independent normal distribution with its own mean and standard deviation.
//
// It's deterministic given its seed: Reset restarts the same sequence of batches.
// It is safe for concurrent use.
type Gaussian struct {
	name        string
	dtype       dtypes.DType
	batchSize   int
	spatialDims []int
	means       []float64
	stddevs     []float64
	seed        uint64

	// numBatches per epoch, or -1 for infinite.
	numBatches int

	mu      sync.Mutex
	dists   []distuv.Normal
	yielded int
}

var _ train.Dataset = (*Gaussian)(nil)

// NewGaussian creates a Gaussian dataset with the given means and standard deviations, one per feature.
// By default, it yields Float32 batches shaped [batchSize, numFeatures] indefinitely.
func NewGaussian(name string, batchSize int, means, stddevs []float64) (*Gaussian, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("Gaussian dataset %q requires batchSize >= 1, got %d", name, batchSize)
	}
	if len(means) == 0 || len(means) != len(stddevs) {
		return nil, errors.Errorf("Gaussian dataset %q requires one mean and one stddev per feature, got %d means and %d stddevs",
			name, len(means), len(stddevs))
	}
	for ii, s := range stddevs {
		if s < 0 {
			return nil, errors.Errorf("Gaussian dataset %q: stddev of feature #%d is negative (%g)", name, ii, s)
		}
	}
	ds := &Gaussian{
		name:       name,
		dtype:      dtypes.Float32,
		batchSize:  batchSize,
		means:      slices.Clone(means),
		stddevs:    slices.Clone(stddevs),
		numBatches: -1,
	}
	ds.Reset()
	return ds, nil
}

// WithSeed sets the seed of the random numbers, and resets the dataset. It returns itself, so calls can be cascaded.
func (ds *Gaussian) WithSeed(seed uint64) *Gaussian {
	ds.seed = seed
	ds.Reset()
	return ds
}

// WithDType sets the dtype of the yielded batches. It must be a float dtype.
func (ds *Gaussian) WithDType(dtype dtypes.DType) *Gaussian {
	ds.dtype = dtype
	return ds
}

// WithSpatialDims adds the given axes between the batch and the feature axes of the yielded batches.
// E.g.: WithSpatialDims(height, width) for image-like batches.
func (ds *Gaussian) WithSpatialDims(dims ...int) *Gaussian {
	ds.spatialDims = slices.Clone(dims)
	return ds
}

// TakeN makes the dataset yield n batches per epoch, before returning io.EOF. If n < 0 the dataset is infinite.
func (ds *Gaussian) TakeN(n int) *Gaussian {
	ds.numBatches = n
	return ds
}

// NumFeatures yielded in the last axis.
func (ds *Gaussian) NumFeatures() int { return len(ds.means) }

// Means of each feature.
func (ds *Gaussian) Means() []float64 { return slices.Clone(ds.means) }

// StdDevs of each feature.
func (ds *Gaussian) StdDevs() []float64 { return slices.Clone(ds.stddevs) }

// Name implements train.Dataset.
func (ds *Gaussian) Name() string { return ds.name }

// Reset implements train.Dataset. It restarts the sequence of batches.
func (ds *Gaussian) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	src := rand.NewPCG(ds.seed, ds.seed^0x9E3779B97F4A7C15)
	ds.dists = make([]distuv.Normal, len(ds.means))
	for ii := range ds.dists {
		ds.dists[ii] = distuv.Normal{Mu: ds.means[ii], Sigma: ds.stddevs[ii], Src: src}
	}
	ds.yielded = 0
}

// Yield implements train.Dataset.
func (ds *Gaussian) Yield() (batch *tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.dtype.IsFloat() {
		return nil, errors.Errorf("Gaussian dataset %q requires a float dtype, got %s", ds.name, ds.dtype)
	}
	if ds.numBatches >= 0 && ds.yielded >= ds.numBatches {
		return nil, io.EOF
	}
	dims := make([]int, 0, len(ds.spatialDims)+2)
	dims = append(dims, ds.batchSize)
	dims = append(dims, ds.spatialDims...)
	dims = append(dims, len(ds.means))
	numFeatures := len(ds.means)
	size := ds.batchSize * numFeatures
	for _, dim := range ds.spatialDims {
		size *= dim
	}
	data := make([]float64, size)
	for ii := range data {
		data[ii] = ds.dists[ii%numFeatures].Rand()
	}
	ds.yielded++
	return tensors.FromFloat64s(ds.dtype, data, dims...), nil
}
