// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/support/xslices"
	"github.com/stretchr/testify/require"
)

// TestGraphFn should build its own inputs, and return both inputs and outputs
type TestGraphFn func(g *graph.Graph) (inputs, outputs []*graph.Node)

// RunTestGraphFn tests a graph building function graphFn by executing it and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
// A want value can also be a shapes.Shape, in which case only the output shape is checked.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		var numInputs, numOutputs int
		wrapperFn := func(g *graph.Graph) []*graph.Node {
			i, o := graphFn(g)
			numInputs, numOutputs = len(i), len(o)
			all := make([]*graph.Node, 0, numInputs+numOutputs)
			all = append(all, i...)
			return append(all, o...)
		}
		exec := graph.MustNewExec(wrapperFn)
		inputsAndOutputs, err := exec.Exec()
		require.NoErrorf(t, err, "%s: failed to execute graph", testName)
		inputs := inputsAndOutputs[:numInputs]
		outputs := inputsAndOutputs[numInputs:]

		fmt.Printf("\n%s:\n", testName)
		for ii, input := range inputs {
			fmt.Printf("\tInput %d: %s\n", ii, input.GoStr())
		}
		if numInputs > 0 {
			fmt.Printf("\t======\n")
		}
		for ii, output := range outputs {
			fmt.Printf("\tOutput %d: %s\n", ii, output.GoStr())
		}
		require.Equalf(t, len(want), numOutputs, "%s: number of wanted results different from number of outputs", testName)

		for ii, output := range outputs {
			if s, ok := want[ii].(shapes.Shape); ok {
				require.Truef(t, s.Equal(output.Shape()), "%s: output #%d shape %s, wanted %s", testName, ii, output.Shape(), s)
				continue
			}
			wantTensor := tensors.FromAnyValue(want[ii])
			if delta <= 0 {
				require.Truef(t, wantTensor.Equal(output), "%s: output #%d = %s, wanted %v", testName, ii, output, want[ii])
				continue
			}
			require.Truef(t, wantTensor.InDelta(output, delta), "%s: output #%d = %s, wanted %v", testName, ii, output, want[ii])
		}
	})
}

// NumericGradient returns the central finite-difference approximation of the gradient of the scalar
// function fn with respect to each element of x.
//
// It is used to check the symbolic gradients (graph.Gradient) against the computed values.
func NumericGradient(fn func(x *tensors.Tensor) float64, x *tensors.Tensor, step float64) *tensors.Tensor {
	flat := x.Float64s()
	grad := make([]float64, len(flat))
	for ii := range flat {
		original := flat[ii]
		flat[ii] = original + step
		plus := fn(tensors.FromFloat64s(x.DType(), flat, x.Shape().Dimensions...))
		flat[ii] = original - step
		minus := fn(tensors.FromFloat64s(x.DType(), flat, x.Shape().Dimensions...))
		flat[ii] = original
		grad[ii] = (plus - minus) / (2 * step)
	}
	return tensors.FromFloat64s(x.DType(), grad, x.Shape().Dimensions...)
}

// RequireInDeltaSlices checks that got and want have the same length, and are element-wise within delta.
func RequireInDeltaSlices(t *testing.T, want, got []float64, delta float64, msgAndArgs ...any) {
	t.Helper()
	require.Len(t, got, len(want), msgAndArgs...)
	for ii := range want {
		if math.IsNaN(want[ii]) {
			require.Truef(t, math.IsNaN(got[ii]), "element #%d: want NaN, got %g", ii, got[ii])
			continue
		}
		require.InDeltaf(t, want[ii], got[ii], delta, "element #%d: %v", ii, fmt.Sprint(msgAndArgs...))
	}
}

// Iota returns a float64 tensor with the given dimensions with values 0, 1, 2, ... scaled by scale
// and shifted by shift.
func Iota(scale, shift float64, dimensions ...int) *tensors.Tensor {
	values := xslices.Iota(0.0, xslices.Product(dimensions))
	for ii := range values {
		values[ii] = values[ii]*scale + shift
	}
	return tensors.FromFlatDataAndDimensions(values, dimensions...)
}
