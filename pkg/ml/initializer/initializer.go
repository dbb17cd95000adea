// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer holds variable initializers, to be used with context.Context.WithInitializer.
package initializer

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/support/xslices"
)

// Initializer is the type of variable initializers, defined in context.VariableInitializer as
//
//	func(g *graph.Graph, shape shapes.Shape) *graph.Node
type Initializer = context.VariableInitializer

var (
	// Zero initializes variables with zero.
	Zero Initializer = func(g *Graph, shape shapes.Shape) *Node {
		return Zeros(g, shape)
	}

	// One initializes variables with one.
	One Initializer = func(g *Graph, shape shapes.Shape) *Node {
		return Ones(g, shape)
	}
)

// Constant returns an initializer that sets all values to the given value.
func Constant(value float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return BroadcastToShape(Scalar(g, shape.DType, value), shape)
	}
}

// BroadcastTensorToShape is an initializer that takes a constant tensor as baseValue, and during initialization
// broadcasts it to the requested variable shape.
//
// The baseValue shape must match the last dimensions of the variable's shape, and it is broadcast over the
// leading dimensions. A scalar baseValue works as a constant initializer.
//
// The baseValue can have a different dtype, in which case it is converted to the variable dtype.
func BroadcastTensorToShape(baseValue *tensors.Tensor) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		v := ConvertDType(ConstTensor(g, baseValue), shape.DType)
		if v.Shape().Equal(shape) {
			return v
		}
		rank := shape.Rank()
		if rank < v.Rank() || !slices.Equal(v.Shape().Dimensions, shape.Dimensions[rank-v.Rank():]) {
			exceptions.Panicf("invalid BroadcastTensorToShape: variable being initialized has shape %s, but base "+
				"tensor has shape %s, which is not a suffix of the variable shape", shape, baseValue.Shape())
		}
		if !v.IsScalar() {
			dims := slices.Concat(xslices.SliceWithValue(rank-v.Rank(), 1), v.Shape().Dimensions)
			v = Reshape(v, dims...)
		}
		return BroadcastToShape(v, shape)
	}
}
