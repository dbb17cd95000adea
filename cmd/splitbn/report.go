// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/core/tensors/numpy"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/datasets"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/gomlx/splitbn/pkg/ml/train/commandline"
	"github.com/gomlx/splitbn/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// maxRelativeError of the running statistics before they are highlighted, relative to the true standard deviation
// (for the mean) or to the true variance.
const maxRelativeError = 0.1

func printHyperparameters(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newTable(lipgloss.Left)
	table.Headers("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(false, scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	fmt.Println(table.Render())
}

// printRunningStats compares the running statistics of the layer trained by loop with the true moments
// of the Gaussian dataset.
func printRunningStats(title string, loop *train.Loop, gaussian *datasets.Gaussian) error {
	grp := loop.Group
	tracker := grp.Layer().Tracker()
	table, err := runningStatsTable(tracker, gaussian)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(title))
	summary := newTable(lipgloss.Right, lipgloss.Left)
	summary.Row(false, "layer", grp.Layer().Scope())
	summary.Row(false, "replicas", humanize.Comma(int64(grp.NumReplicas())))
	summary.Row(false, "split num", humanize.Comma(int64(grp.Layer().Config().SplitNum)))
	summary.Row(false, "last step", humanize.Comma(tracker.LastStep()))
	if loop.LastResult != nil {
		summary.Row(false, "elements per feature per step", humanize.Comma(int64(loop.LastResult.Moments.Count)))
	}
	summary.Row(false, "median step duration", commandline.FormatDuration(loop.MedianTrainStepDuration()))
	fmt.Println(summary.Render())
	fmt.Println(table.Render())
	return nil
}

// runningStatsTable has one row per feature with its true and running mean and variance. Rows whose
// running statistics are off by more than maxRelativeError are highlighted.
func runningStatsTable(tracker *splitbn.Tracker, gaussian *datasets.Gaussian) (*highlightTable, error) {
	meanT, err := tracker.Mean()
	if err != nil {
		return nil, err
	}
	varianceT, err := tracker.Variance()
	if err != nil {
		return nil, err
	}
	runningMeans, runningVariances := meanT.Float64s(), varianceT.Float64s()
	means, stddevs := gaussian.Means(), gaussian.StdDevs()
	if len(runningMeans) != len(means) {
		return nil, errors.Errorf("tracker has %d features, but dataset %q has %d",
			len(runningMeans), gaussian.Name(), len(means))
	}

	table := newTable(lipgloss.Right)
	table.Headers("Feature", "True Mean", "Running Mean", "True Variance", "Running Variance")
	for feature := range means {
		variance := stddevs[feature] * stddevs[feature]
		meanErr := math.Abs(runningMeans[feature]-means[feature]) / stddevs[feature]
		varianceErr := math.Abs(runningVariances[feature]-variance) / variance
		table.Row(meanErr > maxRelativeError || varianceErr > maxRelativeError,
			humanize.Comma(int64(feature)),
			humanize.Ftoa(means[feature]), fmt.Sprintf("%.4f", runningMeans[feature]),
			humanize.Ftoa(variance), fmt.Sprintf("%.4f", runningVariances[feature]))
	}
	return table, nil
}

// saveRunningStats of the tracker to a NumPy .npz file.
func saveRunningStats(tracker *splitbn.Tracker, filePath string) error {
	filePath, err := fsutil.PrepareOutputFile(filePath)
	if err != nil {
		return err
	}
	mean, err := tracker.Mean()
	if err != nil {
		return err
	}
	variance, err := tracker.Variance()
	if err != nil {
		return err
	}
	return numpy.ToNpzFile(map[string]*tensors.Tensor{"mean": mean, "variance": variance}, filePath)
}
