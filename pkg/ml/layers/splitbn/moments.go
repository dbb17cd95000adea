// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package splitbn

import (
	"slices"

	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// GroupMoments splits the batch axis (axis 0) of x in splitNum contiguous groups of equal size and returns
// the mean and the (population) variance of each group, per feature.
//
// The moments are taken over all axes except featureAxis, within each group: for x shaped [N, H, W, C]
// and featureAxis=-1, group g covers the examples [g*N/splitNum, (g+1)*N/splitNum) and the moments are
// reduced over those examples and all of H and W.
//
// Both outputs are shaped [splitNum, C]. The variance is computed in two passes (centered at the group mean),
// so it's non-negative by construction.
//
// It panics with an error wrapping ErrInvalidConfiguration if the batch size is not divisible by splitNum,
// or wrapping ErrShapeMismatch if x can't be normalized over featureAxis.
func GroupMoments(x *Node, splitNum, featureAxis int) (means, variances *Node) {
	featureAxis, err := validateGrouping(x.Shape(), splitNum, featureAxis)
	if err != nil {
		panic(err)
	}
	dims := x.Shape().Dimensions
	grouped := Reshape(x, slices.Concat([]int{splitNum, dims[0] / splitNum}, dims[1:])...)
	groupedFeatureAxis := featureAxis + 1
	reduceAxes := make([]int, 0, grouped.Rank()-2)
	for axis := 1; axis < grouped.Rank(); axis++ {
		if axis != groupedFeatureAxis {
			reduceAxes = append(reduceAxes, axis)
		}
	}
	keptMeans := ReduceAndKeep(grouped, ReduceMean, reduceAxes...)
	variances = ReduceMean(Square(Sub(grouped, keptMeans)), reduceAxes...)
	means = Reshape(keptMeans, variances.Shape().Dimensions...)
	return
}

// CombineMoments pools the moments of groups into the moments of their union.
//
// means and variances are shaped [G, C], and counts [G] holds the number of elements of each group
// (per feature). It returns mean and variance shaped [C]:
//
//	mean = Σ(n_g·μ_g) / Σn_g
//	variance = Σ(n_g·σ²_g) / Σn_g + Σ(n_g·(μ_g - mean)²) / Σn_g
//
// The variance is clamped to be non-negative: negative values can only come from rounding, and are
// reported as ErrNumericalInstability.
//
// It's differentiable with respect to all its inputs.
func CombineMoments(means, variances, counts *Node) (mean, variance *Node) {
	if means.Rank() != 2 || !means.Shape().Equal(variances.Shape()) {
		panic(errors.Wrapf(ErrShapeMismatch, "CombineMoments: means (%s) and variances (%s) must have the same "+
			"[G, C] shape", means.Shape(), variances.Shape()))
	}
	numGroups := means.Shape().Dim(0)
	if !counts.Shape().Equal(shapes.Make(means.DType(), numGroups)) {
		panic(errors.Wrapf(ErrShapeMismatch, "CombineMoments: counts shape %s doesn't match means shape %s, "+
			"it must be [G]", counts.Shape(), means.Shape()))
	}
	weights := ExpandToAxis(Div(counts, ReduceAllSum(counts)), 2, 0)
	mean = ReduceSum(Mul(means, weights), 0)
	deviations := Sub(means, ExpandToAxis(mean, 2, 1))
	variance = ReduceSum(Mul(Add(variances, Square(deviations)), weights), 0)
	variance = ClipNonNegative(variance)
	return
}

// BatchMoments returns the per-feature mean and variance of x, computed by pooling the moments of splitNum
// groups of the batch. See GroupMoments and CombineMoments.
//
// With splitNum=1 it's the usual batch normalization moments.
func BatchMoments(x *Node, splitNum, featureAxis int) (mean, variance *Node) {
	means, variances := GroupMoments(x, splitNum, featureAxis)
	groupSize := float64(x.Shape().Size() / variances.Shape().Size())
	counts := BroadcastToShape(Scalar(x.Graph(), means.DType(), groupSize), shapes.Make(means.DType(), splitNum))
	return CombineMoments(means, variances, counts)
}

// Moments are per-feature statistics of Count elements (per feature), on the host.
//
// They are used to merge the statistics computed by different replicas.
type Moments struct {
	Count          int
	Mean, Variance []float64
}

// NewMomentsFromTensors creates Moments from mean and variance tensors shaped [C] (any float dtype).
func NewMomentsFromTensors(count int, mean, variance *tensors.Tensor) (Moments, error) {
	if !mean.Ok() || !variance.Ok() {
		return Moments{}, errors.Wrapf(ErrShapeMismatch, "mean and variance must be valid tensors")
	}
	if mean.Rank() != 1 || !mean.Shape().Equal(variance.Shape()) {
		return Moments{}, errors.Wrapf(ErrShapeMismatch, "mean (%s) and variance (%s) must be vectors of the same shape",
			mean.Shape(), variance.Shape())
	}
	if count < 0 {
		return Moments{}, errors.Errorf("negative count %d for moments", count)
	}
	return Moments{Count: count, Mean: mean.Float64s(), Variance: variance.Float64s()}, nil
}

// Merge returns the moments of the union of the elements of m and other, using Chan et al. parallel
// combination. It's the same pooled identity as CombineMoments.
//
// Moments with Count=0 are the identity of Merge.
func (m Moments) Merge(other Moments) (Moments, error) {
	if other.Count == 0 {
		return m.clone(), nil
	}
	if m.Count == 0 {
		return other.clone(), nil
	}
	if len(m.Mean) != len(other.Mean) || len(m.Variance) != len(m.Mean) || len(other.Variance) != len(other.Mean) {
		return Moments{}, errors.Wrapf(ErrShapeMismatch, "cannot merge moments with %d and %d features",
			len(m.Mean), len(other.Mean))
	}
	na, nb := float64(m.Count), float64(other.Count)
	n := na + nb
	delta := make([]float64, len(m.Mean))
	floats.SubTo(delta, other.Mean, m.Mean)

	merged := Moments{Count: m.Count + other.Count, Mean: slices.Clone(m.Mean), Variance: slices.Clone(m.Variance)}
	floats.AddScaled(merged.Mean, nb/n, delta)

	floats.Scale(na/n, merged.Variance)
	floats.AddScaled(merged.Variance, nb/n, other.Variance)
	floats.Mul(delta, delta)
	floats.AddScaled(merged.Variance, na*nb/(n*n), delta)
	for ii, v := range merged.Variance {
		merged.Variance[ii] = max(v, 0)
	}
	return merged, nil
}

// MergeMoments merges all the given moments. See Moments.Merge.
func MergeMoments(all ...Moments) (Moments, error) {
	var merged Moments
	for ii, m := range all {
		var err error
		merged, err = merged.Merge(m)
		if err != nil {
			return Moments{}, errors.WithMessagef(err, "merging moments #%d", ii)
		}
	}
	return merged, nil
}

func (m Moments) clone() Moments {
	return Moments{Count: m.Count, Mean: slices.Clone(m.Mean), Variance: slices.Clone(m.Variance)}
}
