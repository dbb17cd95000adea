// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	. "github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestScopes(t *testing.T) {
	ctx := New()
	require.Equal(t, RootScope, ctx.Scope())
	ctxA := ctx.In("a")
	require.Equal(t, "/a", ctxA.Scope())
	require.Equal(t, "/a/b_1", ctxA.Inf("b_%d", 1).Scope())
	require.Equal(t, "/x/y", ctxA.InAbsPath("/x/y").Scope())
	require.Equal(t, RootScope, ctx.Scope(), "In should not change the original reference")

	require.Panics(t, func() { ctx.In("") })
	require.Panics(t, func() { ctx.In("a/b") })
	require.Panics(t, func() { ctx.InAbsPath("a") })

	assert.Equal(t, "/a/x", JoinScope("/a", "x"))
	assert.Equal(t, "/x", JoinScope(RootScope, "x"))
	assert.Equal(t, "x", JoinScope("", "x"))
	scope, name := SplitScope("/a/b/x")
	assert.Equal(t, "/a/b", scope)
	assert.Equal(t, "x", name)
	scope, name = SplitScope("/x")
	assert.Equal(t, RootScope, scope)
	assert.Equal(t, "x", name)
	scope, name = SplitScope("x")
	assert.Equal(t, "", scope)
	assert.Equal(t, "x", name)
}

func TestParams(t *testing.T) {
	ctx := New()
	ctx.SetParam("split_num", 4)
	ctx.SetParams(map[string]any{"epsilon": 1e-3, "name": "bn"})
	ctxBN := ctx.In("res1").In("bn")
	ctx.In("res1").SetParam("split_num", 8)

	v, found := ctxBN.GetParam("split_num")
	require.True(t, found)
	assert.Equal(t, 8, v)
	assert.Equal(t, 4, MustGetParam[int](ctx, "split_num"))

	// Conversion of convertible types.
	assert.Equal(t, 8.0, MustGetParam[float64](ctxBN, "split_num"))
	assert.Equal(t, float32(1e-3), GetParamOr(ctxBN, "epsilon", float32(1e-5)))
	assert.Equal(t, 0.1, GetParamOr(ctxBN, "decay", 0.1))
	require.Panics(t, func() { MustGetParam[int](ctx, "missing") })
	require.Panics(t, func() { _ = GetParamOr(ctx, "name", 0.0) })

	// nil values are treated as missing.
	ctx.SetParam("decay", nil)
	assert.Equal(t, 0.2, GetParamOr(ctx, "decay", 0.2))

	var keys []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		keys = append(keys, scope+":"+key)
	})
	assert.Equal(t, []string{"/:decay", "/:epsilon", "/:name", "/:split_num", "/res1:split_num"}, keys)
}

func TestVariableCreation(t *testing.T) {
	ctx := New()
	ctxA, ctxB := ctx.In("a"), ctx.In("b")
	va := ctxA.VariableWithShape("x", shapes.Make(dtypes.Float32, 2))
	vb := ctxB.VariableWithShape("x", shapes.Make(dtypes.Float64))
	require.NotEqual(t, va, vb)
	require.Equal(t, "/a/x", va.ScopeAndName())
	require.Equal(t, "var:/a/x", va.ParameterName())
	require.Equal(t, 2, ctx.NumVariables())
	require.True(t, va.Trainable)
	require.False(t, va.HasValue())
	require.True(t, ctx.NeedsInitialization())

	// Checked (default) and unique: variable already exists.
	require.Panics(t, func() { ctxA.VariableWithShape("x", shapes.Make(dtypes.Float32, 2)) })
	// Reuse requires existing variable with same shape.
	require.Equal(t, va, ctxA.Reuse().VariableWithShape("x", shapes.Make(dtypes.Float32, 2)))
	require.Panics(t, func() { ctxA.Reuse().VariableWithShape("y", shapes.Make(dtypes.Float32, 2)) })
	require.Panics(t, func() { ctxA.Reuse().VariableWithShape("x", shapes.Make(dtypes.Float32, 3)) })
	// Unchecked: either.
	require.Equal(t, va, ctxA.Checked(false).VariableWithShape("x", shapes.Make(dtypes.Float32, 2)))
	vy := ctxA.Checked(false).VariableWithShape("y", shapes.Make(dtypes.Float32, 2))
	require.Equal(t, vy, ctx.GetVariableByScopeAndName("/a", "y"))
	require.Equal(t, vy, ctxA.GetVariable("y"))
	require.Nil(t, ctxA.GetVariable("z"))

	// Invalid names.
	require.Panics(t, func() { ctx.VariableWithShape("", shapes.Make(dtypes.Float32)) })
	require.Panics(t, func() { ctx.VariableWithShape("a/b", shapes.Make(dtypes.Float32)) })

	vc := ctx.In("c").VariableWithValue("counter", []float32{1, 2})
	require.True(t, vc.HasValue())
	require.Equal(t, []float32{1, 2}, vc.MustValue().Value())

	var names []string
	for v := range ctxA.IterVariablesInScope() {
		names = append(names, v.ScopeAndName())
	}
	require.Equal(t, []string{"/a/x", "/a/y"}, names)

	require.NoError(t, ctx.InitializeVariables())
	require.False(t, ctx.NeedsInitialization())
	require.Equal(t, []float32{0, 0}, va.MustValue().Value())
	require.Equal(t, 0.0, vb.MustValue().Value())
	require.Equal(t, []float32{1, 2}, vc.MustValue().Value(), "initialization should not overwrite values")

	ctxA.ResetVariablesInScope()
	require.True(t, ctx.NeedsInitialization())
	require.False(t, va.HasValue())
	require.True(t, vb.HasValue())
}
