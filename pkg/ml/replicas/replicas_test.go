// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicas_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/graph/graphtest"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

// randomBatch returns a Float64 batch shaped [batchSize, numFeatures], with a different mean per feature.
func randomBatch(seed uint64, batchSize, numFeatures int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float64, batchSize*numFeatures)
	for ii := range data {
		data[ii] = rng.NormFloat64()*2 + float64(ii%numFeatures)
	}
	return tensors.FromFloat64s(dtypes.Float64, data, batchSize, numFeatures)
}

// columnMoments returns the population mean and variance of each column of the rows [from, to) of batch.
func columnMoments(batch *tensors.Tensor, from, to int) (mean, variance []float64) {
	numFeatures := batch.Shape().Dim(1)
	flat := batch.Float64s()
	column := make([]float64, to-from)
	for c := range numFeatures {
		for row := from; row < to; row++ {
			column[row-from] = flat[row*numFeatures+c]
		}
		m, v := stat.PopMeanVariance(column, nil)
		mean = append(mean, m)
		variance = append(variance, v)
	}
	return
}

func newGroup(t *testing.T, numReplicas, splitNum, numFeatures int) (*context.Context, *splitbn.Layer, *replicas.Group) {
	ctx := context.New()
	cfg := splitbn.DefaultConfig()
	cfg.SplitNum = splitNum
	layer, err := splitbn.New(ctx.In("bn"), numFeatures, dtypes.Float64, cfg)
	require.NoError(t, err)
	grp, err := replicas.New(ctx, layer, numReplicas)
	require.NoError(t, err)
	t.Cleanup(grp.Finalize)
	return ctx, layer, grp
}

func trackerValues(t *testing.T, layer *splitbn.Layer) (mean, variance []float64) {
	meanT, err := layer.Tracker().Mean()
	require.NoError(t, err)
	varianceT, err := layer.Tracker().Variance()
	require.NoError(t, err)
	return meanT.Float64s(), varianceT.Float64s()
}

func TestTrainStep(t *testing.T) {
	const (
		numReplicas = 2
		batchSize   = 16
		numFeatures = 3
		epsilon     = 1e-5
	)
	_, layer, grp := newGroup(t, numReplicas, 2, numFeatures)
	assert.Equal(t, numReplicas, grp.NumReplicas())
	assert.NotEmpty(t, grp.ID())
	batch := randomBatch(42, batchSize, numFeatures)

	result, err := grp.TrainStep(0, batch)
	require.NoError(t, err)
	require.True(t, result.Output.Shape().Equal(batch.Shape()))
	require.Len(t, result.ReplicaMoments, numReplicas)

	// Each replica normalizes its own shard with the shard moments.
	shardSize := batchSize / numReplicas
	flat, output := batch.Float64s(), result.Output.Float64s()
	for replica := range numReplicas {
		mean, variance := columnMoments(batch, replica*shardSize, (replica+1)*shardSize)
		assert.Equal(t, shardSize, result.ReplicaMoments[replica].Count)
		graphtest.RequireInDeltaSlices(t, mean, result.ReplicaMoments[replica].Mean, 1e-9)
		graphtest.RequireInDeltaSlices(t, variance, result.ReplicaMoments[replica].Variance, 1e-9)
		for row := replica * shardSize; row < (replica+1)*shardSize; row++ {
			for c := range numFeatures {
				idx := row*numFeatures + c
				want := (flat[idx] - mean[c]) / math.Sqrt(variance[c]+epsilon)
				require.InDeltaf(t, want, output[idx], 1e-9, "row %d, feature %d", row, c)
			}
		}
	}

	// The running statistics are updated once, with the moments of the global batch.
	globalMean, globalVariance := columnMoments(batch, 0, batchSize)
	assert.Equal(t, batchSize, result.Moments.Count)
	graphtest.RequireInDeltaSlices(t, globalMean, result.Moments.Mean, 1e-9)
	graphtest.RequireInDeltaSlices(t, globalVariance, result.Moments.Variance, 1e-9)
	runningMean, runningVariance := trackerValues(t, layer)
	for c := range numFeatures {
		assert.InDelta(t, 0.1*globalMean[c], runningMean[c], 1e-9)
		assert.InDelta(t, 0.9+0.1*globalVariance[c], runningVariance[c], 1e-9)
	}
	assert.Equal(t, int64(0), layer.Tracker().LastStep())

	// Same step again: rejected, statistics unchanged.
	_, err = grp.TrainStep(0, batch)
	require.ErrorIs(t, err, context.ErrDuplicateStepUpdate)
	mean2, variance2 := trackerValues(t, layer)
	assert.Equal(t, runningMean, mean2)
	assert.Equal(t, runningVariance, variance2)

	_, err = grp.TrainStep(1, randomBatch(7, batchSize, numFeatures))
	require.NoError(t, err)
	assert.Equal(t, int64(1), layer.Tracker().LastStep())
}

// The merged running statistics don't depend on the number of replicas.
func TestTrainStepReplicasEquivalence(t *testing.T) {
	const numFeatures = 4
	batch := randomBatch(3, 24, numFeatures)
	var means, variances [][]float64
	for _, numReplicas := range []int{1, 2, 3, 6} {
		_, layer, grp := newGroup(t, numReplicas, 2, numFeatures)
		for step := range int64(3) {
			_, err := grp.TrainStep(step, batch)
			require.NoErrorf(t, err, "numReplicas=%d, step=%d", numReplicas, step)
		}
		mean, variance := trackerValues(t, layer)
		means = append(means, mean)
		variances = append(variances, variance)
	}
	for ii := 1; ii < len(means); ii++ {
		graphtest.RequireInDeltaSlices(t, means[0], means[ii], 1e-9)
		graphtest.RequireInDeltaSlices(t, variances[0], variances[ii], 1e-9)
	}
}

func TestTrainStepErrors(t *testing.T) {
	_, err := replicas.New(context.New(), nil, 0)
	require.ErrorIs(t, err, splitbn.ErrInvalidConfiguration)

	_, layer, grp := newGroup(t, 4, 4, 2)

	// Batch not divisible by the number of replicas.
	_, err = grp.TrainStep(0, randomBatch(1, 6, 2))
	require.ErrorIs(t, err, splitbn.ErrInvalidConfiguration)

	// Shards of 2 examples can't be split in 4 groups.
	_, err = grp.TrainStep(0, randomBatch(1, 8, 2))
	require.ErrorIs(t, err, splitbn.ErrInvalidConfiguration)

	_, err = grp.TrainStep(0, nil)
	require.ErrorIs(t, err, splitbn.ErrShapeMismatch)

	// Wrong number of features.
	_, err = grp.TrainStep(0, randomBatch(1, 16, 3))
	require.ErrorIs(t, err, splitbn.ErrShapeMismatch)

	assert.Equal(t, context.NoStep, layer.Tracker().LastStep())
	_, err = grp.TrainStep(0, randomBatch(1, 16, 2))
	require.NoError(t, err)
}

func TestInfer(t *testing.T) {
	const numFeatures = 3
	ctx, layer, grp := newGroup(t, 2, 4, numFeatures)
	_, err := grp.TrainStep(0, randomBatch(11, 16, numFeatures))
	require.NoError(t, err)
	runningMean, runningVariance := trackerValues(t, layer)

	// Inference doesn't require the shards to be divisible by SplitNum.
	batch := randomBatch(5, 6, numFeatures)
	got, err := grp.Infer(batch)
	require.NoError(t, err)
	want, err := context.ExecOnce(ctx, func(_ *context.Context, x *Node) *Node {
		return layer.Apply(x, splitbn.Inference)
	}, batch)
	require.NoError(t, err)
	graphtest.RequireInDeltaSlices(t, want[0].Float64s(), got.Float64s(), 1e-12)

	mean, variance := trackerValues(t, layer)
	assert.Equal(t, runningMean, mean)
	assert.Equal(t, runningVariance, variance)
	assert.Equal(t, int64(0), layer.Tracker().LastStep())

	_, err = grp.Infer(randomBatch(5, 5, numFeatures))
	require.ErrorIs(t, err, splitbn.ErrInvalidConfiguration)
}
