// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// MulScalar converts scalar to a constant with x's DType and returns `x * scalar`
// with proper broadcasting.
func MulScalar(x *Node, scalar float64) *Node {
	return Mul(x, Scalar(x.Graph(), x.DType(), scalar))
}

// DivScalar converts scalar to a constant with x's DType and returns `x / scalar`
// with proper broadcasting.
func DivScalar(x *Node, scalar float64) *Node {
	if scalar == 0 {
		exceptions.Panicf("division by zero in DivScalar")
	}
	return Div(x, Scalar(x.Graph(), x.DType(), scalar))
}

// AddScalar converts scalar to a constant with x's DType and returns `x + scalar`
// with proper broadcasting.
func AddScalar(x *Node, scalar float64) *Node {
	return Add(x, Scalar(x.Graph(), x.DType(), scalar))
}

// Square returns x^2 point-wise. Same as `Mul(x, x)`.
func Square(x *Node) *Node {
	return Mul(x, x)
}

// OneMinus returns (1-x).
func OneMinus(x *Node) *Node {
	return Sub(ScalarOne(x.Graph(), x.DType()), x)
}

// ReduceAllSum reduces all dimensions to a scalar by summing.
func ReduceAllSum(x *Node) *Node {
	return ReduceSum(x)
}

// ReduceMean reduces by taking the mean over the elements of the selected axes.
// If no axes are given, it reduces over all dimensions.
func ReduceMean(x *Node, reduceAxes ...int) *Node {
	sum := ReduceSum(x, reduceAxes...)
	count := x.Shape().Size() / sum.Shape().Size()
	return DivScalar(sum, float64(count))
}

// ReduceAllMean reduces all dimensions to a scalar by taking the mean.
func ReduceAllMean(x *Node) *Node {
	return ReduceMean(x)
}

// convertNegativeAxesAndSort returns the axes with negative values converted to positive, and sorted.
func convertNegativeAxesAndSort(rank int, axes []int) []int {
	out := make([]int, len(axes))
	for ii, axis := range axes {
		out[ii] = adjustAxisToRank(rank, axis)
	}
	slices.Sort(out)
	return out
}

// ReduceAndKeep applies the given reduction function but regenerate the reduced dimensions with size 1.
func ReduceAndKeep(x *Node, reduceFn func(x *Node, reduceAxes ...int) *Node, reduceAxes ...int) *Node {
	_ = validateBuildingGraphFromInputs(x)
	rank := x.Rank()
	if len(reduceAxes) == 0 {
		reduceAxes = make([]int, rank)
		for ii := range reduceAxes {
			reduceAxes[ii] = ii
		}
	}
	reduceAxes = convertNegativeAxesAndSort(rank, reduceAxes)
	reduced := reduceFn(x, reduceAxes...)
	shapeWithRecoveredDims := x.Shape().Clone()
	for _, axis := range reduceAxes {
		shapeWithRecoveredDims.Dimensions[axis] = 1
	}
	return ReshapeWithShape(reduced, shapeWithRecoveredDims)
}

// ExpandToAxis reshapes a vector x (rank-1, or a scalar) to the given rank, placing its values on
// the given axis and dimensions of size 1 everywhere else, so it can be broadcast against an operand of that rank.
//
// Example: a per-channel vector of shape [C] expanded with rank=4 and axis=-1 becomes [1, 1, 1, C].
func ExpandToAxis(x *Node, rank, axis int) *Node {
	_ = validateBuildingGraphFromInputs(x)
	if x.IsScalar() {
		return x
	}
	if x.Rank() != 1 {
		exceptions.Panicf("ExpandToAxis(%s, rank=%d, axis=%d): operand must be a vector", x.Shape(), rank, axis)
	}
	axis = adjustAxisToRank(rank, axis)
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	dims[axis] = x.Shape().Dimensions[0]
	return Reshape(x, dims...)
}
