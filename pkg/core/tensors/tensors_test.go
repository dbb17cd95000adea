// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Float64s())
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Equal(t, 6.0, tensor.At(1, 2))
	assert.Panics(t, func() { _ = tensor.At(2, 0) })

	scalar := FromScalar(3.0)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 3.0, scalar.Value())
	assert.Equal(t, 3.0, ToScalar[float64](scalar))

	assert.Panics(t, func() { _ = FromValue([][]float64{{1, 2}, {3}}) })
	assert.Panics(t, func() { _ = FromAnyValue([]int{1, 2}) })
	assert.Same(t, tensor, FromAnyValue(tensor))
}

func TestFromFloat64sRounds(t *testing.T) {
	tensor := FromFloat64s(dtypes.Float16, []float64{1.0001, 2}, 2)
	assert.Equal(t, []float64{1, 2}, tensor.Float64s())
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2)}, CopyFlatData[float16.Float16](tensor))
	assert.Panics(t, func() { _ = FromFloat64s(dtypes.Float32, []float64{1, 2, 3}, 2) })

	f32 := tensor.ConvertDType(dtypes.Float32)
	assert.Equal(t, dtypes.Float32, f32.DType())
	assert.True(t, f32.InDelta(FromValue([]float32{1, 2}), 1e-6))
}

func TestFlatDataIsImmutable(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	tensor := FromFlatDataAndDimensions(data, 2, 2)
	data[0] = 100
	assert.Equal(t, 1.0, tensor.At(0, 0))
	values := tensor.Float64s()
	values[1] = 100
	assert.Equal(t, 2.0, tensor.At(0, 1))
	clone := tensor.Clone()
	assert.True(t, clone.Equal(tensor))
	assert.NotSame(t, clone, tensor)
}

func TestSplitAndConcatenateBatch(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5, 6, 7}, 4, 2)
	parts, err := SplitBatch(tensor, 2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, [][]float32{{0, 1}, {2, 3}}, parts[0].Value())
	assert.Equal(t, [][]float32{{4, 5}, {6, 7}}, parts[1].Value())

	joined, err := ConcatenateBatch(parts)
	require.NoError(t, err)
	assert.True(t, joined.Equal(tensor))

	_, err = SplitBatch(tensor, 3)
	require.Error(t, err)
	_, err = SplitBatch(tensor, 5)
	require.Error(t, err)
	_, err = ConcatenateBatch([]*Tensor{parts[0], FromValue([][]float64{{1, 2}})})
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	assert.Equal(t, "[3]float32{1, 2, 3}", tensor.String())
	assert.Equal(t, "float64(2.5)", FromScalar(2.5).String())
	long := FromFlatDataAndDimensions([]float64{0, 1, 2, 3, 4, 5, 6, 7}, 8)
	assert.Equal(t, "[8]float64{0, 1, 2, ..., 5, 6, 7}", long.Summary(2))
	assert.Contains(t, FromShape(long.Shape()).MemorySummary(), "64 B")
}

func TestInDeltaAndNonFinite(t *testing.T) {
	a := FromValue([]float64{1, 2})
	b := FromValue([]float64{1.001, 2})
	assert.True(t, a.InDelta(b, 0.01))
	assert.False(t, a.InDelta(b, 1e-4))
	assert.False(t, a.InDelta(FromValue([]float32{1, 2}), 1))
	assert.False(t, a.HasNonFinite())
}
