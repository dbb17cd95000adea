// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/splitbn/pkg/ml/train/metrics"
)

// allMetrics that can be tracked while training, selected by their short names with -metrics.
func allMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewOutputMeanMetric(),
		metrics.NewOutputStdDevMetric(),
		metrics.NewMovingAverageDriftMetric(0.05),
		metrics.NewMeanBatchVarianceMetric(),
		metrics.NewMedianMetric("Median Running Mean Drift", "drift50", metrics.DriftMetricType,
			metrics.TrackerDrift, nil),
	}
}
