// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/core/tensors/numpy"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/datasets"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunningStatsTable(t *testing.T) {
	ctx := context.New()
	tracker, err := splitbn.NewTracker(ctx.In(layerScope), 3, dtypes.Float64, 1)
	require.NoError(t, err)

	// The running statistics start at mean 0 and variance 1: only the first feature matches.
	gaussian, err := datasets.NewGaussian("gaussian", 8, []float64{0, 5, 0}, []float64{1, 1, 2})
	require.NoError(t, err)
	table, err := runningStatsTable(tracker, gaussian)
	require.NoError(t, err)
	assert.Equal(t, 3, table.count)
	assert.Equal(t, map[int]bool{1: true, 2: true}, table.highlighted)
	rendered := table.Render()
	assert.Contains(t, rendered, "Running Variance")
	assert.Contains(t, rendered, "1.0000")

	// With decay 1 the running statistics are the last batch moments. Within maxRelativeError of the true
	// moments nothing is highlighted.
	require.NoError(t, tracker.Update(0, tensors.FromValue([]float64{0, 5, 0}), tensors.FromValue([]float64{1, 1, 4})))
	nearby, err := datasets.NewGaussian("nearby", 8, []float64{0.05, 5, 0}, []float64{1, 1, 2})
	require.NoError(t, err)
	table, err = runningStatsTable(tracker, nearby)
	require.NoError(t, err)
	assert.Empty(t, table.highlighted)

	wrongFeatures, err := datasets.NewGaussian("wrong", 8, []float64{0, 0}, []float64{1, 1})
	require.NoError(t, err)
	_, err = runningStatsTable(tracker, wrongFeatures)
	require.Error(t, err)
}

func TestSaveRunningStats(t *testing.T) {
	ctx := context.New()
	tracker, err := splitbn.NewTracker(ctx.In(layerScope), 2, dtypes.Float32, 0.5)
	require.NoError(t, err)
	require.NoError(t, tracker.Update(0, tensors.FromValue([]float32{2, -4}), tensors.FromValue([]float32{3, 5})))

	filePath := filepath.Join(t.TempDir(), "stats", "running.npz")
	require.NoError(t, saveRunningStats(tracker, filePath))
	loaded, err := numpy.FromNpzFile(filePath)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, []float32{1, -2}, tensors.CopyFlatData[float32](loaded["mean"]))
	assert.Equal(t, []float32{2, 3}, tensors.CopyFlatData[float32](loaded["variance"]))
}
