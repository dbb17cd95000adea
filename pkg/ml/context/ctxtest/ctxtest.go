// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ctxtest holds test utilities for packages that depend on the context package. It allows
// running tests on graph building functions that depend on context.Context objects.
package ctxtest

import (
	"fmt"
	"testing"

	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// TestContextGraphFn should build its own inputs, and return both inputs and outputs.
type TestContextGraphFn func(ctx *context.Context, g *Graph) (inputs, outputs []*Node)

// RunTestGraphFn tests a graph building function graphFn by executing it with a fresh context and comparing
// its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
//
// It returns the context used, so tests can inspect the variables.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestContextGraphFn, want []any, delta float64) (ctx *context.Context) {
	ctx = context.New()
	t.Run(testName, func(t *testing.T) {
		var numInputs, numOutputs int
		wrapperFn := func(ctx *context.Context, g *Graph) []*Node {
			i, o := graphFn(ctx, g)
			numInputs, numOutputs = len(i), len(o)
			all := make([]*Node, 0, numInputs+numOutputs)
			all = append(all, i...)
			return append(all, o...)
		}
		exec := context.MustNewExec(ctx, wrapperFn)
		inputsAndOutputs, err := exec.Exec()
		require.NoErrorf(t, err, "%s: failed to run graph", testName)
		inputs := inputsAndOutputs[:numInputs]
		outputs := inputsAndOutputs[numInputs:]

		fmt.Printf("\n%s:\n", testName)
		for ii, input := range inputs {
			fmt.Printf("\tInput %d: %s\n", ii, input.GoStr())
		}
		for v := range ctx.IterVariables() {
			if value, err := v.Value(); err == nil {
				fmt.Printf("\tVar %s: %s\n", v.ParameterName(), value.GoStr())
			}
		}
		fmt.Printf("\t======\n")
		for ii, output := range outputs {
			fmt.Printf("\tOutput %d: %s\n", ii, output.GoStr())
		}
		require.Equalf(t, len(want), numOutputs, "%s: number of wanted results different from number of outputs", testName)
		for ii, output := range outputs {
			wantTensor := tensors.FromAnyValue(want[ii])
			if delta <= 0 {
				require.Truef(t, wantTensor.Equal(output), "%s: output #%d = %s, wanted %v", testName, ii, output, want[ii])
			} else {
				require.Truef(t, wantTensor.InDelta(output, delta), "%s: output #%d = %s, wanted %v", testName, ii, output, want[ii])
			}
		}
	})
	return ctx
}
