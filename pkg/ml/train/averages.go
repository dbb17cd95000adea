// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"

	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RecomputeRunningAverages runs through the dataset once, and sets the running statistics of the layer to the
// exact moments of all the examples of the dataset, instead of their moving average.
//
// It's useful after training, for instance, when the moving averages lag behind the final distribution.
// The dataset is Reset before and after it is read. The last update step of the running statistics is
// not changed.
//
// It returns the merged moments.
func RecomputeRunningAverages(grp *replicas.Group, ds Dataset) (splitbn.Moments, error) {
	ds.Reset()
	var merged splitbn.Moments
	count := 0
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return splitbn.Moments{}, errors.WithMessagef(err, "RecomputeRunningAverages(%q) failed reading from Dataset",
				ds.Name())
		}
		moments, err := grp.Moments(batch)
		if err != nil {
			return splitbn.Moments{}, errors.WithMessagef(err, "RecomputeRunningAverages(%q) batch #%d", ds.Name(), count)
		}
		merged, err = merged.Merge(moments)
		if err != nil {
			return splitbn.Moments{}, err
		}
		count++
	}
	ds.Reset()
	if merged.Count == 0 {
		return splitbn.Moments{}, errors.Errorf("RecomputeRunningAverages(%q): dataset has no examples", ds.Name())
	}

	tracker := grp.Layer().Tracker()
	meanVar, varianceVar := tracker.Variables()
	dtype := tracker.Shape().DType
	if err := meanVar.SetValue(tensors.FromFloat64s(dtype, merged.Mean, len(merged.Mean))); err != nil {
		return splitbn.Moments{}, err
	}
	if err := varianceVar.SetValue(tensors.FromFloat64s(dtype, merged.Variance, len(merged.Variance))); err != nil {
		return splitbn.Moments{}, err
	}
	klog.V(1).Infof("train: recomputed running averages of %q over %d batches of %q", grp.Layer().Scope(), count,
		ds.Name())
	return merged, nil
}
