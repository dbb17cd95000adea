// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/datasets"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/gomlx/splitbn/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

var (
	testMeans   = []float64{-2, 0, 5}
	testStdDevs = []float64{1, 0.5, 3}
)

func newTestGroup(t *testing.T, dtype dtypes.DType) *replicas.Group {
	ctx := context.New()
	cfg := splitbn.DefaultConfig()
	cfg.SplitNum = 2
	layer, err := splitbn.New(ctx.In("bn"), len(testMeans), dtype, cfg)
	require.NoError(t, err)
	grp, err := replicas.New(ctx, layer, 2)
	require.NoError(t, err)
	t.Cleanup(grp.Finalize)
	return grp
}

func TestLoopRunSteps(t *testing.T) {
	grp := newTestGroup(t, dtypes.Float32)
	ds, err := datasets.NewGaussian("gaussian", 16, testMeans, testStdDevs)
	require.NoError(t, err)
	loop := train.NewLoop(grp, metrics.NewOutputMeanMetric(), metrics.NewOutputStdDevMetric(),
		metrics.NewMovingAverageDriftMetric(0.1))
	assert.Equal(t, int64(0), loop.LoopStep)
	assert.Len(t, loop.Metrics(), 3)

	var calls []string
	var numSteps int
	loop.OnStart("second", 1, func(_ *train.Loop, _ train.Dataset) error {
		calls = append(calls, "start-second")
		return nil
	})
	loop.OnStart("first", -1, func(_ *train.Loop, ds train.Dataset) error {
		calls = append(calls, "start-first:"+ds.Name())
		return nil
	})
	loop.OnStep("count", 0, func(loop *train.Loop, values []float64) error {
		numSteps++
		require.Len(t, values, 3)
		require.NotNil(t, loop.LastResult)
		return nil
	})
	loop.OnEnd("end", 0, func(loop *train.Loop, _ []float64) error {
		calls = append(calls, "end")
		return nil
	})

	values, err := loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"start-first:gaussian", "start-second", "end"}, calls)
	assert.Equal(t, 5, numSteps)
	assert.Equal(t, int64(5), loop.LoopStep)
	assert.Equal(t, int64(4), grp.Layer().Tracker().LastStep())
	assert.Len(t, loop.TrainStepDurations, 5)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// Normalized output: mean ~0 and stddev ~1 (each shard is normalized with its own moments).
	require.Len(t, values, 3)
	assert.InDelta(t, 0.0, values[0], 1e-4)
	assert.InDelta(t, 1.0, values[1], 1e-3)
	assert.Greater(t, values[2], 0.0)

	// Runs continue from where they stopped.
	_, err = loop.RunSteps(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), loop.LoopStep)
	assert.Equal(t, int64(7), grp.Layer().Tracker().LastStep())
	assert.Equal(t, int64(8), train.NewLoop(grp).LoopStep)

	// Replaying old steps is rejected.
	loop.LoopStep = 3
	_, err = loop.RunSteps(ds, 1)
	require.ErrorIs(t, err, context.ErrDuplicateStepUpdate)
}

func TestLoopErrors(t *testing.T) {
	grp := newTestGroup(t, dtypes.Float32)
	ds, err := datasets.NewGaussian("gaussian", 16, testMeans, testStdDevs)
	require.NoError(t, err)

	loop := train.NewLoop(grp)
	loop.OnStep("failing", 0, func(_ *train.Loop, _ []float64) error {
		return errors.New("hook failure")
	})
	_, err = loop.RunSteps(ds, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"failing"`)

	loop = train.NewLoop(grp)
	_, err = loop.RunSteps(ds.TakeN(2), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reached Dataset end")

	// Shards of 5 examples can't be split in 2 groups.
	badDS, err := datasets.NewGaussian("bad", 10, testMeans, testStdDevs)
	require.NoError(t, err)
	_, err = train.NewLoop(grp).RunSteps(badDS, 1)
	require.ErrorIs(t, err, splitbn.ErrInvalidConfiguration)
}

func TestLoopResumesAfterFailedStep(t *testing.T) {
	grp := newTestGroup(t, dtypes.Float32)
	ds, err := datasets.NewGaussian("gaussian", 16, testMeans, testStdDevs)
	require.NoError(t, err)

	loop := train.NewLoop(grp)
	fail := true
	var steps []int64
	loop.OnStep("failOnce", 0, func(loop *train.Loop, _ []float64) error {
		steps = append(steps, loop.LoopStep)
		if fail {
			fail = false
			return errors.New("hook failure")
		}
		return nil
	})
	_, err = loop.RunSteps(ds, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LoopStep=0")

	// The running statistics were committed for step 0, so the loop moves on to step 1.
	assert.Equal(t, int64(0), grp.Layer().Tracker().LastStep())
	assert.Equal(t, int64(1), loop.LoopStep)
	_, err = loop.RunSteps(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, steps)
	assert.Equal(t, int64(3), loop.LoopStep)
	assert.Equal(t, int64(2), grp.Layer().Tracker().LastStep())

	// Same with RunEpochs.
	fail = true
	ds.TakeN(2).Reset()
	_, err = loop.RunEpochs(ds, 1)
	require.Error(t, err)
	assert.Equal(t, int64(4), loop.LoopStep)
	ds.Reset()
	_, err = loop.RunEpochs(ds, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), loop.LoopStep)
	assert.Equal(t, int64(5), grp.Layer().Tracker().LastStep())
}

func TestLoopRunEpochs(t *testing.T) {
	grp := newTestGroup(t, dtypes.Float32)
	ds, err := datasets.NewGaussian("gaussian", 8, testMeans, testStdDevs)
	require.NoError(t, err)
	ds.TakeN(4)
	loop := train.NewLoop(grp)
	var endSteps []int64
	loop.OnStep("endStep", 0, func(loop *train.Loop, _ []float64) error {
		endSteps = append(endSteps, loop.EndStep)
		return nil
	})
	_, err = loop.RunEpochs(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(8), loop.LoopStep)
	assert.Equal(t, int64(8), loop.EndStep)
	assert.Equal(t, 2, loop.Epoch)
	assert.Equal(t, []int64{-1, -1, -1, -1, 8, 8, 8, 8}, endSteps)
}

func TestRecomputeRunningAverages(t *testing.T) {
	grp := newTestGroup(t, dtypes.Float64)
	ds, err := datasets.NewGaussian("gaussian", 8, testMeans, testStdDevs)
	require.NoError(t, err)
	ds.WithSeed(3).WithDType(dtypes.Float64).TakeN(3)

	_, err = train.NewLoop(grp).RunEpochs(ds, 1)
	require.NoError(t, err)
	lastStep := grp.Layer().Tracker().LastStep()

	merged, err := train.RecomputeRunningAverages(grp, ds)
	require.NoError(t, err)
	assert.Equal(t, 24, merged.Count)

	// Expected: moments of all the examples of the dataset.
	numFeatures := len(testMeans)
	columns := make([][]float64, numFeatures)
	for {
		batch, err := ds.Yield()
		if err != nil {
			break
		}
		for ii, v := range batch.Float64s() {
			columns[ii%numFeatures] = append(columns[ii%numFeatures], v)
		}
	}
	mean, err := grp.Layer().Tracker().Mean()
	require.NoError(t, err)
	variance, err := grp.Layer().Tracker().Variance()
	require.NoError(t, err)
	for c := range numFeatures {
		require.Len(t, columns[c], 24)
		wantMean, wantVariance := stat.PopMeanVariance(columns[c], nil)
		assert.InDelta(t, wantMean, mean.Float64s()[c], 1e-9)
		assert.InDelta(t, wantVariance, variance.Float64s()[c], 1e-9)
		assert.False(t, math.IsNaN(merged.Variance[c]))
	}
	assert.Equal(t, lastStep, grp.Layer().Tracker().LastStep())

	empty, err := datasets.NewGaussian("empty", 8, testMeans, testStdDevs)
	require.NoError(t, err)
	_, err = train.RecomputeRunningAverages(grp, empty.TakeN(0))
	require.Error(t, err)
}
