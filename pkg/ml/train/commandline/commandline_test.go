// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/datasets"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/gomlx/splitbn/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParamsContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"x":     1.0,
		"y":     3,
		"z":     true,
		"s":     "foo",
		"names": []string{"a"},
		"dims":  []int{1},
		"rates": []float64{0.5},
	})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := newParamsContext()
	paramsSet, err := ParseContextSettings(ctx, "x=11.0;y=1_000; z=false;s=bar;names=b,c;dims=2,3;rates=0.1,0.2;/a/z=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "s", "names", "dims", "rates", "/a/z"}, paramsSet)

	assert.Equal(t, 11.0, context.MustGetParam[float64](ctx, "x"))
	assert.Equal(t, 1000, context.MustGetParam[int](ctx, "y"))
	assert.False(t, context.MustGetParam[bool](ctx, "z"))
	assert.Equal(t, "bar", context.MustGetParam[string](ctx, "s"))
	assert.Equal(t, []string{"b", "c"}, context.MustGetParam[[]string](ctx, "names"))
	assert.Equal(t, []int{2, 3}, context.MustGetParam[[]int](ctx, "dims"))
	assert.Equal(t, []float64{0.1, 0.2}, context.MustGetParam[[]float64](ctx, "rates"))

	// Scoped setting is only visible within the scope.
	assert.True(t, context.MustGetParam[bool](ctx.In("a"), "z"))
	assert.False(t, context.MustGetParam[bool](ctx.In("b"), "z"))

	// Explicit root scope.
	_, err = ParseContextSettings(ctx, "/x=7")
	require.NoError(t, err)
	assert.Equal(t, 7.0, context.MustGetParam[float64](ctx, "x"))

	settings := SprintContextSettings(ctx)
	assert.Contains(t, settings, "\"/x\": (float64) 7")
	assert.Contains(t, settings, "\"/a/z\": (bool) true")
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := newParamsContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	contents := "# Comment line.\nx=2.5\n\ny=5;s=from_file\n"
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+filePath+";z=false")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "s", "z"}, paramsSet)
	assert.Equal(t, 2.5, context.MustGetParam[float64](ctx, "x"))
	assert.Equal(t, 5, context.MustGetParam[int](ctx, "y"))
	assert.Equal(t, "from_file", context.MustGetParam[string](ctx, "s"))

	_, err = ParseContextSettings(ctx, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestParseContextSettingsErrors(t *testing.T) {
	for _, settings := range []string{
		"x",              // Missing value.
		"unknown=1",      // Unknown parameter.
		"a/x=1",          // Relative scope.
		"y=1.5",          // Not an int.
		"z=maybe",        // Not a bool.
		"dims=1,b",       // Not a list of ints.
		"rates=0.1,,0.2", // Empty element.
	} {
		t.Run(settings, func(t *testing.T) {
			_, err := ParseContextSettings(newParamsContext(), settings)
			require.Error(t, err)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "1.50µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

func TestProgressBar(t *testing.T) {
	ctx := context.New()
	cfg := splitbn.DefaultConfig()
	cfg.SplitNum = 2
	layer, err := splitbn.New(ctx.In("bn"), 2, dtypes.Float32, cfg)
	require.NoError(t, err)
	grp, err := replicas.New(ctx, layer, 2)
	require.NoError(t, err)
	defer grp.Finalize()
	ds, err := datasets.NewGaussian("gaussian", 8, []float64{1, -1}, []float64{2, 0.5})
	require.NoError(t, err)

	loop := train.NewLoop(grp, metrics.NewOutputMeanMetric())
	var out bytes.Buffer
	var extraCalls int
	attachProgressBar(loop, &out, func() (name, value string) {
		extraCalls++
		return "Replicas", fmt.Sprint(grp.NumReplicas())
	})
	_, err = loop.RunSteps(ds, 3)
	require.NoError(t, err)
	printed := out.String()
	assert.Contains(t, printed, "Median step duration")
	assert.Contains(t, printed, "Output Mean")
	assert.Contains(t, printed, "Replicas")
	assert.Greater(t, extraCalls, 0)
}
