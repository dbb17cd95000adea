// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric over the steps,
// using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric from any StepFn function.
//
// pPrintFn can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, stepFn StepFn, pPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			stepFn:     stepFn,
			pPrintFn:   pPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithRand sets the random number generator used to sample. Defaults to a randomly seeded one.
func (m *StreamingMedianMetric) WithRand(rng *rand.Rand) *StreamingMedianMetric {
	m.rng = rng
	return m
}

// Update implements metrics.Interface.
func (m *StreamingMedianMetric) Update(result *replicas.StepResult, tracker *splitbn.Tracker) (float64, error) {
	value, err := m.eval(result, tracker)
	if err != nil {
		return 0, err
	}
	m.add(value)
	return m.Median(), nil
}

func (m *StreamingMedianMetric) add(x float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Median of the samples seen so far, or NaN if there were none.
func (m *StreamingMedianMetric) Median() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset implements metrics.Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
