// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics of the training steps of split batch normalization.
//
// Metrics are computed in Go, from the results of each step (replicas.StepResult) and the running
// statistics (splitbn.Tracker).
package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Drift" and "Batch-Drift" would both have the same "drift" metric type, and can be
	// displayed on the same plot, sharing the Y-axis.
	MetricType() string

	// Update the metric with the results of a training step, and returns its current value.
	Update(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error)

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters when starting a new run.
	Reset()
}

const (
	// OutputMetricType is the type of metrics about the normalized outputs.
	OutputMetricType = "output"

	// DriftMetricType is the type of metrics about the distance between running and batch statistics.
	DriftMetricType = "drift"

	// VarianceMetricType is the type of metrics about the batch variance.
	VarianceMetricType = "variance"
)

// StepFn computes a metric for one training step.
type StepFn func(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements a stateless metric.Interface: its value is the one of the last step.
type baseMetric struct {
	name, shortName, metricType string
	stepFn                      StepFn
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string { return m.name }

func (m *baseMetric) ShortName() string { return m.shortName }

func (m *baseMetric) MetricType() string { return m.metricType }

func (m *baseMetric) Update(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error) {
	return m.eval(result, tracker)
}

func (m *baseMetric) eval(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error) {
	if result == nil {
		return 0, errors.Errorf("metric %q updated with a nil step result", m.name)
	}
	value, err := m.stepFn(result, tracker)
	if err != nil {
		return 0, errors.WithMessagef(err, "metric %q", m.name)
	}
	return value, nil
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) Reset() {}

// NewBaseMetric creates a stateless metric from any StepFn function.
// pPrintFn can be left as nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, stepFn StepFn, pPrintFn PrettyPrintFn) Interface {
	return &baseMetric{name: name, shortName: shortName, metricType: metricType, stepFn: stepFn, pPrintFn: pPrintFn}
}

// MeanMetric implements a metric that keeps the mean of a metric over all steps since the last Reset.
type MeanMetric struct {
	baseMetric
	mean, count float64
}

// NewMeanMetric creates a metric from any StepFn function, and keeps its mean over the steps.
// pPrintFn can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, stepFn StepFn, pPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType,
		stepFn: stepFn, pPrintFn: pPrintFn}}
}

// Update implements metrics.Interface.
func (m *MeanMetric) Update(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error) {
	value, err := m.eval(result, tracker)
	if err != nil {
		return 0, err
	}
	m.count++
	m.mean += (value - m.mean) / m.count
	return m.mean, nil
}

// Reset implements metrics.Interface.
func (m *MeanMetric) Reset() {
	m.mean, m.count = 0, 0
}

// movingAverageMetric implements a metric that keeps the moving average of a metric.
//
// It behaves just like a MeanMetric, but each new step has weight of newExampleWeight, and
// the stored weight is capped at (1-newExampleWeight).
type movingAverageMetric struct {
	MeanMetric
	newExampleWeight float64
}

// NewExponentialMovingAverageMetric creates a metric from any StepFn function. It takes new steps with
// the given weight (newExampleWeight), and decays the rest by 1-newExampleWeight.
//
// It starts as a normal average until there are enough steps, and then it becomes an exponential
// moving average.
func NewExponentialMovingAverageMetric(
	name, shortName, metricType string,
	stepFn StepFn,
	pPrintFn PrettyPrintFn,
	newExampleWeight float64,
) Interface {
	return &movingAverageMetric{MeanMetric: MeanMetric{baseMetric: baseMetric{
		name: name, shortName: shortName, metricType: metricType,
		stepFn: stepFn, pPrintFn: pPrintFn}}, newExampleWeight: newExampleWeight}
}

// Update implements metrics.Interface.
func (m *movingAverageMetric) Update(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error) {
	value, err := m.eval(result, tracker)
	if err != nil {
		return 0, err
	}
	m.count++
	weight := max(m.newExampleWeight, 1/m.count)
	m.mean = m.mean*(1-weight) + value*weight
	return m.mean, nil
}

// OutputMean is the mean of all the elements of the normalized output.
// It should be close to the mean of the offset (0 at initialization).
func OutputMean(result *replicas.StepResult, _ *splitbn.Tracker) (float64, error) {
	if !result.Output.Ok() {
		return 0, errors.New("step result has no output")
	}
	return stat.Mean(result.Output.Float64s(), nil), nil
}

// OutputStdDev is the population standard deviation of all the elements of the normalized output.
// It should be close to the scale (1 at initialization).
func OutputStdDev(result *replicas.StepResult, _ *splitbn.Tracker) (float64, error) {
	if !result.Output.Ok() {
		return 0, errors.New("step result has no output")
	}
	_, variance := stat.PopMeanVariance(result.Output.Float64s(), nil)
	return math.Sqrt(variance), nil
}

// BatchVariance is the mean over the features of the variance of the global batch.
func BatchVariance(result *replicas.StepResult, _ *splitbn.Tracker) (float64, error) {
	if len(result.Moments.Variance) == 0 {
		return 0, errors.New("step result has no moments")
	}
	return stat.Mean(result.Moments.Variance, nil), nil
}

// TrackerDrift is the largest absolute difference, over the features, between the running mean of the tracker
// and the mean of the global batch of the step.
func TrackerDrift(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error) {
	if tracker == nil {
		return 0, errors.New("drift metric requires a tracker")
	}
	runningMean, err := tracker.Mean()
	if err != nil {
		return 0, err
	}
	running := runningMean.Float64s()
	if len(running) != len(result.Moments.Mean) {
		return 0, errors.Wrapf(splitbn.ErrShapeMismatch, "tracker has %d features, step moments have %d",
			len(running), len(result.Moments.Mean))
	}
	floats.Sub(running, result.Moments.Mean)
	return floats.Norm(running, math.Inf(1)), nil
}

// NewOutputMeanMetric returns the mean of the normalized output of the last step.
func NewOutputMeanMetric() Interface {
	return NewBaseMetric("Output Mean", "mean", OutputMetricType, OutputMean, nil)
}

// NewOutputStdDevMetric returns the standard deviation of the normalized output of the last step.
func NewOutputStdDevMetric() Interface {
	return NewBaseMetric("Output StdDev", "stddev", OutputMetricType, OutputStdDev, nil)
}

// NewMovingAverageDriftMetric returns the moving average of TrackerDrift.
func NewMovingAverageDriftMetric(newExampleWeight float64) Interface {
	return NewExponentialMovingAverageMetric("Moving Average Running Mean Drift", "~drift", DriftMetricType,
		TrackerDrift, nil, newExampleWeight)
}

// NewMeanBatchVarianceMetric returns the mean of the batch variance over the steps.
func NewMeanBatchVarianceMetric() *MeanMetric {
	return NewMeanMetric("Mean Batch Variance", "#var", VarianceMetricType, BatchVariance, nil)
}
