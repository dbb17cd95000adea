// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets_test

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/datasets"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestGaussian(t *testing.T) {
	means, stddevs := []float64{-3, 0, 10}, []float64{1, 0.5, 2}
	ds, err := datasets.NewGaussian("gaussian", 4096, means, stddevs)
	require.NoError(t, err)
	ds.WithSeed(42).WithDType(dtypes.Float64).TakeN(2)
	assert.Equal(t, 3, ds.NumFeatures())
	assert.Equal(t, "gaussian", ds.Name())

	first, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4096, 3}, first.Shape().Dimensions)
	assert.Equal(t, dtypes.Float64, first.DType())
	flat := first.Float64s()
	column := make([]float64, 4096)
	for c := range 3 {
		for row := range 4096 {
			column[row] = flat[row*3+c]
		}
		mean, std := stat.MeanStdDev(column, nil)
		assert.InDeltaf(t, means[c], mean, 0.1*stddevs[c], "feature %d mean", c)
		assert.InDeltaf(t, stddevs[c], std, 0.1*stddevs[c], "feature %d stddev", c)
	}

	_, err = ds.Yield()
	require.NoError(t, err)
	_, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Reset restarts the same sequence.
	ds.Reset()
	again, err := ds.Yield()
	require.NoError(t, err)
	assert.True(t, first.Equal(again))

	// Spatial dimensions and default dtype.
	ds, err = datasets.NewGaussian("images", 2, means, stddevs)
	require.NoError(t, err)
	batch, err := ds.WithSpatialDims(5, 7).Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 7, 3}, batch.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, batch.DType())

	_, err = datasets.NewGaussian("bad", 0, means, stddevs)
	require.Error(t, err)
	_, err = datasets.NewGaussian("bad", 2, means, stddevs[:2])
	require.Error(t, err)
	_, err = datasets.NewGaussian("bad", 2, []float64{0}, []float64{-1})
	require.Error(t, err)
}

// failingDataset fails after a number of yields.
type failingDataset struct {
	count, failAt atomic.Int32
}

func (ds *failingDataset) Name() string { return "failing" }
func (ds *failingDataset) Reset()       {}
func (ds *failingDataset) Yield() (*tensors.Tensor, error) {
	if ds.count.Add(1) > ds.failAt.Load() {
		return nil, errors.New("dataset failure")
	}
	return tensors.FromValue([][]float32{{1, 2}}), nil
}

func TestParallel(t *testing.T) {
	means, stddevs := []float64{0, 1}, []float64{1, 1}
	gaussian, err := datasets.NewGaussian("gaussian", 8, means, stddevs)
	require.NoError(t, err)
	gaussian.TakeN(10)
	ds := datasets.CustomParallel(gaussian).Parallelism(3).Buffer(2).WithName("parallel").Start()
	defer ds.Done()
	assert.Equal(t, "parallel", ds.Name())

	for epoch := range 2 {
		count := 0
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, []int{8, 2}, batch.Shape().Dimensions)
			count++
		}
		assert.Equalf(t, 10, count, "epoch %d", epoch)
		ds.Reset()
	}

	// Errors are propagated to Yield.
	failing := &failingDataset{}
	failing.failAt.Store(3)
	pds := datasets.Parallel(failing)
	var yieldErr error
	for range 100 {
		if _, yieldErr = pds.Yield(); yieldErr != nil {
			break
		}
	}
	require.Error(t, yieldErr)
	assert.Contains(t, yieldErr.Error(), "dataset failure")
	pds.Reset()
	pds.Done()
	_, err = pds.Yield()
	require.Error(t, err)
}

func TestTake(t *testing.T) {
	gaussian, err := datasets.NewGaussian("gaussian", 8, []float64{0}, []float64{1})
	require.NoError(t, err)
	ds := datasets.Take(gaussian.WithSeed(7), 3)
	assert.Equal(t, "gaussian [Take 3]", ds.Name())
	for range 2 {
		var batches []*tensors.Tensor
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			batches = append(batches, batch)
		}
		require.Len(t, batches, 3)
		ds.Reset()
	}

	// The wrapped dataset is reset as well.
	first, err := ds.Yield()
	require.NoError(t, err)
	gaussian.Reset()
	want, err := gaussian.Yield()
	require.NoError(t, err)
	assert.Equal(t, want.Float64s(), first.Float64s())
}
