// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
)

// validateBuildingGraphFromInputs checks that all inputs are of the same Graph and that
// the Graph is valid for building.
// It panics with a corresponding error message in case of issues.
// Otherwise, it returns the Graph common to all inputs.
func validateBuildingGraphFromInputs(inputs ...*Node) (g *Graph) {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes given, can't find graph")
	}
	for ii, n := range inputs {
		if n == nil {
			exceptions.Panicf("operand #%d is nil", ii)
		}
		if g == nil {
			g = n.graph
			g.AssertBuilding()
		} else if n.graph != g {
			exceptions.Panicf("combining nodes from different graphs not allowed: "+
				"input[0] graph is %q, input[%d] graph is %q", g.name, ii, n.graph.name)
		}
	}
	return
}

// Parameter registers an input parameter for a computation Graph (e.g: a feature used as input).
//
// When created they get a handle (a plain index) which is the position of its value in the list of
// inputs given to Graph.Run.
//
// The name of the parameter must be unique in the graph. If name is empty, a unique name is generated.
func Parameter(g *Graph, name string, shape shapes.Shape) (node *Node) {
	g.AssertBuilding()
	if name == "" {
		name = fmt.Sprintf("p#%d", len(g.parameters))
	}
	if _, found := g.parameterNameToHandle[name]; found {
		exceptions.Panicf("requested parameter with name %q for graph %q already exists", name, g.name)
	}
	if !shape.DType.IsFloat() {
		exceptions.Panicf("Parameter(%q): dtype %s not supported", name, shape.DType)
	}
	node = newNode(g, NodeTypeParameter, shape.Clone())
	node.paramName = name
	node.paramHandle = ParameterHandle(len(g.parameters))
	g.parameters = append(g.parameters, node)
	g.parameterNameToHandle[name] = node.paramHandle
	return node
}

// ConstTensor returns a newly created constant node for the tensor x.
func ConstTensor(g *Graph, x *tensors.Tensor) *Node {
	g.AssertBuilding()
	x.AssertValid()
	node := newNode(g, NodeTypeConstant, x.Shape().Clone())
	node.constValues = x.Float64s()
	return node
}

// Const creates constant nodes in the Graph. It can take a tensor as well as
// multidimensional slices (or scalars).
// It uses tensors.FromAnyValue to figure out the shape and convert the value.
func Const(g *Graph, x any) *Node {
	return ConstTensor(g, tensors.FromAnyValue(x))
}

// Scalar returns a constant scalar with the given value, converted to dtype.
// Scalars are cached per graph, so the same node is returned for the same dtype and value.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	g.AssertBuilding()
	value = dtype.Round(value)
	key := scalarKey{dtype: dtype, value: value}
	if node, found := g.scalars[key]; found {
		return node
	}
	node := newNode(g, NodeTypeConstant, shapes.Make(dtype))
	node.constValues = []float64{value}
	g.scalars[key] = node
	return node
}

// ScalarZero returns a scalar constant 0 for the given DType.
func ScalarZero(g *Graph, dtype dtypes.DType) *Node { return Scalar(g, dtype, 0) }

// ScalarOne returns a scalar constant 1 for the given DType.
func ScalarOne(g *Graph, dtype dtypes.DType) *Node { return Scalar(g, dtype, 1) }

// Zeros creates a computation with the same shape as the input, but with the value 0.
func Zeros(g *Graph, shape shapes.Shape) *Node {
	return BroadcastToShape(ScalarZero(g, shape.DType), shape)
}

// Ones creates a computation with the same shape as the input, but with the value 1.
func Ones(g *Graph, shape shapes.Shape) *Node {
	return BroadcastToShape(ScalarOne(g, shape.DType), shape)
}

// ZerosLike returns a tensor with the same shape of x, filled with 0's.
func ZerosLike(x *Node) *Node { return Zeros(x.Graph(), x.Shape()) }

// OnesLike returns a tensor with the same shape of x, filled with 1's.
func OnesLike(x *Node) *Node { return Ones(x.Graph(), x.Shape()) }

func unaryOp(nodeType NodeType, x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return newNode(g, nodeType, x.shape.Clone(), x)
}

// Identity returns a node that simply forwards x.
func Identity(x *Node) *Node { return unaryOp(NodeTypeIdentity, x) }

// StopGradient creates an identity node (see Identity), through which gradients don't back-propagate.
func StopGradient(x *Node) *Node {
	n := Identity(x)
	n.stopGradient = true
	return n
}

// ConvertDType of x to dtype. If x is already of the given dtype, it is returned unchanged.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.DType() == dtype {
		return x
	}
	if !dtype.IsFloat() {
		exceptions.Panicf("ConvertDType(%s, %s): dtype not supported", x.shape, dtype)
	}
	shape := x.shape.Clone()
	shape.DType = dtype
	return newNode(g, NodeTypeConvertDType, shape, x)
}

// Neg returns the element-wise negation of x.
func Neg(x *Node) *Node { return unaryOp(NodeTypeNeg, x) }

// Sqrt returns the element-wise square root of x.
func Sqrt(x *Node) *Node { return unaryOp(NodeTypeSqrt, x) }

// Inverse returns the element-wise 1/x.
func Inverse(x *Node) *Node { return unaryOp(NodeTypeInverse, x) }

// ClipNonNegative returns max(x, 0), element-wise.
//
// It is used to guard quantities that are non-negative in exact arithmetic (like variances) against round-off.
// Every execution that actually clamps a negative value is reported as a numerical instability: it is
// logged with klog.Warningf, counted (see Graph.NumClamped) and passed to the graph's instability handler,
// but it is not an error.
//
// The gradient passes through unchanged where x >= 0 and is zero where x was clamped.
func ClipNonNegative(x *Node) *Node { return unaryOp(NodeTypeClipNonNegative, x) }

// NonNegativeIndicator returns 1 where x >= 0 and 0 elsewhere, element-wise. It has no gradient.
func NonNegativeIndicator(x *Node) *Node { return unaryOp(NodeTypeNonNegativeIndicator, x) }

// broadcastShapes returns the shape resulting from broadcasting the two operands:
// either one of them is a scalar, or they have the same rank and each axis has equal dimensions or one of them is 1.
func broadcastShapes(opName string, s0, s1 shapes.Shape) shapes.Shape {
	if s0.DType != s1.DType {
		exceptions.Panicf("%s: operands have different dtypes: %s and %s", opName, s0, s1)
	}
	if s0.IsScalar() {
		return s1.Clone()
	}
	if s1.IsScalar() {
		return s0.Clone()
	}
	if s0.Rank() != s1.Rank() {
		exceptions.Panicf("%s: operands have incompatible ranks: %s and %s", opName, s0, s1)
	}
	out := s0.Clone()
	for axis, d0 := range s0.Dimensions {
		d1 := s1.Dimensions[axis]
		switch {
		case d0 == d1:
		case d0 == 1:
			out.Dimensions[axis] = d1
		case d1 != 1:
			exceptions.Panicf("%s: operands have incompatible dimensions on axis %d: %s and %s", opName, axis, s0, s1)
		}
	}
	return out
}

func binaryOp(nodeType NodeType, x, y *Node) *Node {
	g := validateBuildingGraphFromInputs(x, y)
	shape := broadcastShapes(nodeType.String(), x.shape, y.shape)
	return newNode(g, nodeType, shape, x, y)
}

// Add returns element-wise x + y. Operands are broadcast if one is a scalar, or if they have the
// same rank and dimensions of size 1 (see BroadcastToShape).
func Add(x, y *Node) *Node { return binaryOp(NodeTypeAdd, x, y) }

// Sub returns element-wise x - y, broadcasting as in Add.
func Sub(x, y *Node) *Node { return binaryOp(NodeTypeSub, x, y) }

// Mul returns element-wise x * y, broadcasting as in Add.
func Mul(x, y *Node) *Node { return binaryOp(NodeTypeMul, x, y) }

// Div returns element-wise x / y, broadcasting as in Add.
func Div(x, y *Node) *Node { return binaryOp(NodeTypeDiv, x, y) }

// AdjustAxisToOperandRank returns the positive axis to the operand shapes, adjusting in case the axis given is negative.
//
// It panics if axis given is out-of-range for the operand.
func AdjustAxisToOperandRank(operand *Node, axis int) int {
	return adjustAxisToRank(operand.Rank(), axis)
}

func adjustAxisToRank(rank, axis int) int {
	adjustedAxis := axis
	if axis < 0 {
		adjustedAxis = rank + axis
	}
	if adjustedAxis >= rank || adjustedAxis < 0 {
		exceptions.Panicf("invalid axis %d, operand rank is %d", axis, rank)
	}
	return adjustedAxis
}

// ReduceSum reduces by summing over the elements of the selected axes.
// If reduceAxes is nil, reduce over all dimensions to a scalar.
//
// The reduced axes are removed from the output shape.
func ReduceSum(x *Node, reduceAxes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	var axes []int
	if len(reduceAxes) == 0 {
		axes = make([]int, x.Rank())
		for ii := range axes {
			axes[ii] = ii
		}
	} else {
		axes = make([]int, 0, len(reduceAxes))
		for _, axis := range reduceAxes {
			axis = AdjustAxisToOperandRank(x, axis)
			if slices.Contains(axes, axis) {
				exceptions.Panicf("ReduceSum(%s, axes=%v): axis %d given more than once", x.shape, reduceAxes, axis)
			}
			axes = append(axes, axis)
		}
		slices.Sort(axes)
	}
	outDims := make([]int, 0, x.Rank()-len(axes))
	for axis, dim := range x.shape.Dimensions {
		if !slices.Contains(axes, axis) {
			outDims = append(outDims, dim)
		}
	}
	node := newNode(g, NodeTypeReduceSum, shapes.Make(x.DType(), outDims...), x)
	node.axes = axes
	return node
}

// Reshape x to the given dimensions. Total size cannot change. One dimension can be left as -1,
// in which case it will be set to match the size, if possible.
func Reshape(x *Node, dimensions ...int) *Node {
	_ = validateBuildingGraphFromInputs(x)
	totalSize := x.shape.Size()
	newSize := 1
	missingIdx := -1
	for idx, dim := range dimensions {
		if dim != -1 {
			newSize *= dim
		} else {
			if missingIdx != -1 {
				exceptions.Panicf("only one dimension can be missing (that is, set to -1) for Reshape, %v given", dimensions)
			}
			missingIdx = idx
		}
	}
	if missingIdx != -1 {
		dimensions = slices.Clone(dimensions)
		dimensions[missingIdx] = totalSize / newSize
		newSize *= dimensions[missingIdx]
	}
	if newSize != totalSize {
		exceptions.Panicf("total requested size %d (dimensions=%v) doesn't match original size %d (dimensions %v)",
			newSize, dimensions, totalSize, x.shape.Dimensions)
	}
	return ReshapeWithShape(x, shapes.Make(x.DType(), dimensions...))
}

// ReshapeWithShape reshapes x to the dimensions given by shape.
// Total size cannot change, neither the DType is allowed to change.
func ReshapeWithShape(x *Node, shape shapes.Shape) *Node {
	g := validateBuildingGraphFromInputs(x)
	if shape.DType != x.DType() || shape.Size() != x.shape.Size() {
		exceptions.Panicf("cannot ReshapeWithShape %s to shape %s", x.shape, shape)
	}
	if shape.Equal(x.shape) {
		return x
	}
	return newNode(g, NodeTypeReshape, shape.Clone(), x)
}

// BroadcastToShape broadcasts x to the given shape. x must be a scalar, or have the same rank
// with each dimension equal to the target one or 1.
func BroadcastToShape(x *Node, shape shapes.Shape) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.DType() != shape.DType {
		exceptions.Panicf("BroadcastToShape(%s, %s): dtypes don't match", x.shape, shape)
	}
	if !x.IsScalar() {
		if x.Rank() != shape.Rank() {
			exceptions.Panicf("BroadcastToShape(%s, %s): ranks don't match", x.shape, shape)
		}
		for axis, dim := range x.shape.Dimensions {
			if dim != 1 && dim != shape.Dimensions[axis] {
				exceptions.Panicf("BroadcastToShape(%s, %s): incompatible dimension on axis %d", x.shape, shape, axis)
			}
		}
	}
	if x.shape.Equal(shape) {
		return x
	}
	return newNode(g, NodeTypeBroadcastToShape, shape.Clone(), x)
}
