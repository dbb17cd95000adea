// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"testing"

	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/graph/graphtest"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

func TestBinaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Add", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float32{{1, 2}, {3, 4}}), Const(g, [][]float32{{10, 20}})}
		outputs = []*Node{Add(inputs[0], inputs[1])}
		return
	}, []any{[][]float32{{11, 22}, {13, 24}}}, -1)

	graphtest.RunTestGraphFn(t, "Sub-column-broadcast", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float64{{1, 2}, {3, 4}}), Const(g, [][]float64{{1}, {2}})}
		outputs = []*Node{Sub(inputs[0], inputs[1])}
		return
	}, []any{[][]float64{{0, 1}, {1, 2}}}, -1)

	graphtest.RunTestGraphFn(t, "Mul-scalar", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float32{1, 2, 3})}
		outputs = []*Node{MulScalar(inputs[0], 2), Mul(Scalar(g, dtypes.Float32, 3), inputs[0])}
		return
	}, []any{[]float32{2, 4, 6}, []float32{3, 6, 9}}, -1)

	graphtest.RunTestGraphFn(t, "Div", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float64{{1, 2}, {3, 4}}), Const(g, [][]float64{{2, 4}})}
		outputs = []*Node{Div(inputs[0], inputs[1]), DivScalar(inputs[0], 2)}
		return
	}, []any{[][]float64{{0.5, 0.5}, {1.5, 1}}, [][]float64{{0.5, 1}, {1.5, 2}}}, -1)

	// Broadcasting on both operands.
	graphtest.RunTestGraphFn(t, "Add-both-broadcast", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float64{{1}, {2}, {3}}), Const(g, [][]float64{{10, 20}})}
		outputs = []*Node{Add(inputs[0], inputs[1])}
		return
	}, []any{[][]float64{{11, 21}, {12, 22}, {13, 23}}}, -1)

	g := NewGraph("invalid")
	require.Panics(t, func() { Add(Const(g, []float32{1, 2}), Const(g, []float32{1, 2, 3})) })
	require.Panics(t, func() { Add(Const(g, []float32{1, 2}), Const(g, []float64{1, 2})) })
	require.Panics(t, func() { Add(Const(g, []float32{1, 2}), Const(g, [][]float32{{1, 2}})) })
}

func TestUnaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Unary", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float64{1, 4, 16})}
		outputs = []*Node{Neg(inputs[0]), Sqrt(inputs[0]), Inverse(inputs[0]), Square(inputs[0]), OneMinus(inputs[0])}
		return
	}, []any{
		[]float64{-1, -4, -16},
		[]float64{1, 2, 4},
		[]float64{1, 0.25, 0.0625},
		[]float64{1, 16, 256},
		[]float64{0, -3, -15},
	}, -1)

	graphtest.RunTestGraphFn(t, "ClipNonNegative", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float64{-1, 0, 2})}
		outputs = []*Node{ClipNonNegative(inputs[0]), NonNegativeIndicator(inputs[0])}
		return
	}, []any{[]float64{0, 0, 2}, []float64{0, 1, 1}}, -1)

	graphtest.RunTestGraphFn(t, "ConvertDType", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float64{0.1, 1e-9})}
		outputs = []*Node{ConvertDType(inputs[0], dtypes.Float32), ConvertDType(inputs[0], dtypes.Float16)}
		return
	}, []any{[]float32{0.1, 1e-9}, shapes.Make(dtypes.Float16, 2)}, -1)

	graphtest.RunTestGraphFn(t, "Sqrt-of-negative", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float64{-1})}
		outputs = []*Node{Sqrt(inputs[0])}
		return
	}, []any{[]float64{math.NaN()}}, 1e-9)
}

func TestReduceOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ReduceSum", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float64{{1, 2, 3}, {4, 5, 6}})}
		outputs = []*Node{
			ReduceSum(inputs[0], 0),
			ReduceSum(inputs[0], -1),
			ReduceAllSum(inputs[0]),
			ReduceSum(inputs[0], 1, 0),
		}
		return
	}, []any{[]float64{5, 7, 9}, []float64{6, 15}, 21.0, 21.0}, -1)

	graphtest.RunTestGraphFn(t, "ReduceSum-rank3", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][][]float64{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}})}
		outputs = []*Node{ReduceSum(inputs[0], 0, 2), ReduceSum(inputs[0], 1)}
		return
	}, []any{[]float64{14, 22}, [][]float64{{4, 6}, {12, 14}}}, -1)

	graphtest.RunTestGraphFn(t, "ReduceMean", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})}
		outputs = []*Node{
			ReduceMean(inputs[0], 0),
			ReduceAllMean(inputs[0]),
			ReduceAndKeep(inputs[0], ReduceMean, -1),
		}
		return
	}, []any{[]float32{2.5, 3.5, 4.5}, float32(3.5), [][]float32{{2}, {5}}}, 1e-6)

	g := NewGraph("invalid")
	x := Const(g, [][]float64{{1, 2}})
	require.Panics(t, func() { ReduceSum(x, 2) })
	require.Panics(t, func() { ReduceSum(x, 0, -2) })
}

func TestShapeOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Reshape", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float64{1, 2, 3, 4, 5, 6})}
		outputs = []*Node{Reshape(inputs[0], 2, -1), Reshape(inputs[0], 3, 2)}
		return
	}, []any{[][]float64{{1, 2, 3}, {4, 5, 6}}, [][]float64{{1, 2}, {3, 4}, {5, 6}}}, -1)

	graphtest.RunTestGraphFn(t, "BroadcastToShape", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, [][]float64{{1, 2}}), Const(g, 7.0)}
		outputs = []*Node{
			BroadcastToShape(inputs[0], shapes.Make(dtypes.Float64, 2, 2)),
			BroadcastToShape(inputs[1], shapes.Make(dtypes.Float64, 3)),
			OnesLike(inputs[0]),
		}
		return
	}, []any{[][]float64{{1, 2}, {1, 2}}, []float64{7, 7, 7}, [][]float64{{1, 1}}}, -1)

	graphtest.RunTestGraphFn(t, "ExpandToAxis", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, []float64{1, 2})}
		outputs = []*Node{ExpandToAxis(inputs[0], 3, -1), ExpandToAxis(inputs[0], 2, 0)}
		return
	}, []any{[][][]float64{{{1, 2}}}, [][]float64{{1}, {2}}}, -1)

	g := NewGraph("invalid")
	x := Const(g, []float64{1, 2, 3})
	require.Panics(t, func() { Reshape(x, 2, -1) })
	require.Panics(t, func() { BroadcastToShape(x, shapes.Make(dtypes.Float64, 2)) })
	require.Panics(t, func() { ExpandToAxis(Const(g, [][]float64{{1}}), 2, 0) })
}

func TestParameters(t *testing.T) {
	g := NewGraph("params")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	y := Parameter(g, "", shapes.Make(dtypes.Float32, 2))
	require.Equal(t, "p#1", y.ParameterName())
	require.Equal(t, ParameterHandle(0), x.GetParameterHandle())
	require.Equal(t, x, g.GetParameterByName("x"))
	require.Nil(t, g.GetParameterByName("z"))
	require.Panics(t, func() { Parameter(g, "x", shapes.Make(dtypes.Float32)) })

	// Scalars are cached.
	require.Equal(t, Scalar(g, dtypes.Float32, 2), Scalar(g, dtypes.Float32, 2))
	require.NotEqual(t, Scalar(g, dtypes.Float32, 2), Scalar(g, dtypes.Float64, 2))

	sum := Add(x, y)
	g.Compile(sum)
	require.Panics(t, func() { Neg(x) }, "compiled graph can no longer be changed")
}
