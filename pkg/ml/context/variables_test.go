// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	. "github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

func TestVariableValues(t *testing.T) {
	ctx := New()
	v := ctx.VariableWithShape("w", shapes.Make(dtypes.Float32, 2))
	_, err := v.Value()
	require.Error(t, err)
	require.Panics(t, func() { v.MustValue() })

	require.NoError(t, v.SetValue(tensors.FromValue([]float32{3, 4})))
	require.Equal(t, []float32{3, 4}, v.MustValue().Value())
	require.Error(t, v.SetValue(tensors.FromValue([]float32{1, 2, 3})), "wrong shape")
	require.Error(t, v.SetValue(tensors.FromValue([]float64{1, 2})), "wrong dtype")
	require.Error(t, v.SetValue(nil))
	require.Equal(t, NoStep, v.LastUpdateStep())

	require.False(t, v.SetTrainable(false).Trainable)
	require.Equal(t, "/w", v.String())
	var nilVar *Variable
	require.Equal(t, "INVALID (NIL) VARIABLE", nilVar.String())
}

func TestVariableGraph(t *testing.T) {
	ctx := New()
	v := ctx.VariableWithShape("w", shapes.Make(dtypes.Float32, 2))
	g := graph.NewGraph("test")
	require.False(t, v.InUseByGraph(g))
	value := v.ValueGraph(g)
	require.True(t, v.InUseByGraph(g))
	require.False(t, v.ChangedInGraph(g))
	require.Equal(t, v.ParameterName(), value.ParameterName())
	require.Equal(t, value, v.ValueGraph(g), "ValueGraph should return the same node")

	updated := graph.AddScalar(value, 1)
	v.SetValueGraph(updated)
	require.True(t, v.ChangedInGraph(g))
	require.Equal(t, updated, v.ValueGraph(g))
	require.Panics(t, func() { v.SetValueGraph(graph.Const(g, []float32{1, 2, 3})) }, "shape mismatch")

	// A variable only set (never read) in a graph is also in use.
	v2 := ctx.VariableWithShape("w2", shapes.Make(dtypes.Float32))
	v2.SetValueGraph(graph.Scalar(g, dtypes.Float32, 7))
	require.True(t, v2.InUseByGraph(g))
	require.True(t, v2.ChangedInGraph(g))
}
