// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"

	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/gomlx/splitbn/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// driftRecorder records, at each training step, the largest distance of the running statistics to the
// true moments of the dataset.
type driftRecorder struct {
	means, variances    []float64
	meanDrift, varDrift plotter.XYs
}

func attachDriftRecorder(loop *train.Loop, means, stddevs []float64) *driftRecorder {
	r := &driftRecorder{means: means, variances: make([]float64, len(stddevs))}
	for ii, stddev := range stddevs {
		r.variances[ii] = stddev * stddev
	}
	loop.OnStep("driftRecorder", 10, r.onStep)
	return r
}

func (r *driftRecorder) onStep(loop *train.Loop, _ []float64) error {
	tracker := loop.Group.Layer().Tracker()
	mean, err := tracker.Mean()
	if err != nil {
		return err
	}
	variance, err := tracker.Variance()
	if err != nil {
		return err
	}
	step := float64(loop.LoopStep)
	r.meanDrift = append(r.meanDrift, plotter.XY{X: step, Y: maxAbsDiff(mean.Float64s(), r.means)})
	r.varDrift = append(r.varDrift, plotter.XY{X: step, Y: maxAbsDiff(variance.Float64s(), r.variances)})
	return nil
}

func maxAbsDiff(a, b []float64) float64 {
	var maxDiff float64
	for ii := range a {
		maxDiff = math.Max(maxDiff, math.Abs(a[ii]-b[ii]))
	}
	return maxDiff
}

// save the plot of the drift as a PNG file (or another format supported by gonum/plot, given by the extension).
func (r *driftRecorder) save(filePath string) error {
	if len(r.meanDrift) == 0 {
		return errors.New("no training steps recorded to plot")
	}
	filePath, err := fsutil.PrepareOutputFile(filePath)
	if err != nil {
		return err
	}
	p := plot.New()
	p.Title.Text = "Drift of the running statistics"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "max |running - true|"
	p.Add(plotter.NewGrid())

	meanLine, err := plotter.NewLine(r.meanDrift)
	if err != nil {
		return errors.Wrap(err, "failed to plot the mean drift")
	}
	varLine, err := plotter.NewLine(r.varDrift)
	if err != nil {
		return errors.Wrap(err, "failed to plot the variance drift")
	}
	varLine.LineStyle.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
	p.Add(meanLine, varLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Add("variance", varLine)
	if err = p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save drift plot to %q", filePath)
	}
	return nil
}
