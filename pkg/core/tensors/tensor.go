// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content.
//
// The main use of tensors are to be used as input and output of computation graphs, and as the storage of
// context variables (like the running statistics of a normalization layer).
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromFloat64s(dtype, data, dimensions...): same as above, but the values are given as float64 and
//     rounded to the precision of dtype.
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion works with the scalar supported `DType`s
//     as well as with any arbitrary multidimensional slice of them. Slices of rank > 1 must be regular, that is
//     all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})`
//
// Tensors are immutable once created: every operation that "changes" a tensor returns a new one. Internally
// the values are always stored as float64, already rounded to the precision of the tensor's DType.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array of one of the supported float dtypes.
type Tensor struct {
	shape shapes.Shape

	// flat holds the values in row-major order, rounded to shape.DType.
	flat []float64
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we list up to 5 levels of slices. The implementation works
// with any arbitrary number of levels when using FromAnyValue.
type MultiDimensionSlice interface {
	float16.Float16 | float32 | float64 |
		[]float16.Float16 | []float32 | []float64 |
		[][]float16.Float16 | [][]float32 | [][]float64 |
		[][][]float16.Float16 | [][][]float32 | [][][]float64 |
		[][][][]float16.Float16 | [][][][]float32 | [][][][]float64 |
		[][][][][]float16.Float16 | [][][][][]float32 | [][][][][]float64
}

// FromShape returns a Tensor with the given shape filled with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	if !shape.DType.IsFloat() {
		exceptions.Panicf("tensors.FromShape(%s): dtype %s not supported", shape, shape.DType)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromFloat64s returns a Tensor of the given dtype and dimensions, with the values copied from data and
// rounded to the precision of dtype.
//
// It panics if len(data) doesn't match the size of the shape.
func FromFloat64s(dtype dtypes.DType, data []float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtype, dimensions...))
	if len(data) != len(t.flat) {
		exceptions.Panicf("tensors.FromFloat64s: data has %d elements, but shape %s requires %d",
			len(data), t.shape, len(t.flat))
	}
	for ii, v := range data {
		t.flat[ii] = dtype.Round(v)
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the
// flattened values given in `data`.
// The data is copied to the Tensor.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	if len(data) != len(t.flat) {
		exceptions.Panicf("FromFlatDataAndDimensions(data=[%d elements], dimensions=%v): data has the wrong size (shape requires %d)",
			len(data), dimensions, len(t.flat))
	}
	for ii, v := range data {
		t.flat[ii] = dtypes.ToFloat64(v)
	}
	return t
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	v := dtypes.ToFloat64(value)
	for ii := range t.flat {
		t.flat[ii] = v
	}
	return t
}

// FromScalar creates a scalar tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromValue returns a Tensor constructed from a Go scalar or a multidimensional slice
// (a slice of slices of ... of a supported type).
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// The input is expected to be either a scalar or a slice of slices with homogeneous dimensions.
// If the input is a tensor already, it is simply returned.
//
// It panics with an error if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	pos := 0
	var copyRecursive func(v reflect.Value)
	copyRecursive = func(v reflect.Value) {
		if v.Kind() == reflect.Slice {
			for ii := range v.Len() {
				copyRecursive(v.Index(ii))
			}
			return
		}
		t.flat[pos] = reflectToFloat64(v)
		pos++
	}
	copyRecursive(reflect.ValueOf(value))
	return t
}

func reflectToFloat64(v reflect.Value) float64 {
	if v.Type() == dtypes.Float16.GoType() {
		return float64(v.Interface().(float16.Float16).Float32())
	}
	return v.Float()
}

func shapeForValue(v any) (shapes.Shape, error) {
	var shape shapes.Shape
	err := shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return shape, err
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t == nil {
		return errors.New("cannot convert nil to a tensor")
	}
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a tensor (only float16, float32 and float64 are supported)", t)
		}
	}
	return nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor in its DType.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is valid.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() }

// AssertValid panics if the tensor is nil or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.shape.Ok() {
		exceptions.Panicf("tensor has an invalid shape")
	}
}

// ConstFlatData calls accessFn with the flat values of the tensor, without copying.
// accessFn must not modify or keep the slice.
func (t *Tensor) ConstFlatData(accessFn func(flat []float64)) {
	t.AssertValid()
	accessFn(t.flat)
}

// Float64s returns a copy of the flat values of the tensor, as float64.
func (t *Tensor) Float64s() []float64 {
	t.AssertValid()
	return slices.Clone(t.flat)
}

// CopyFlatData returns a copy of the flat values of the tensor converted to T.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	t.AssertValid()
	out := make([]T, len(t.flat))
	for ii, v := range t.flat {
		out[ii] = dtypes.FromFloat64[T](v)
	}
	return out
}

// ToScalar returns the scalar value of the tensor, converted to T.
// It panics if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	t.AssertValid()
	if !t.IsScalar() {
		exceptions.Panicf("tensors.ToScalar: tensor is not a scalar, shape=%s", t.shape)
	}
	return dtypes.FromFloat64[T](t.flat[0])
}

// At returns the value at the given indices, as float64.
// It panics if the number of indices doesn't match the rank, or if any index is out of bounds.
func (t *Tensor) At(indices ...int) float64 {
	t.AssertValid()
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.At(%v): tensor has rank %d", indices, t.Rank())
	}
	pos := 0
	for axis, stride := range t.shape.Strides() {
		idx := indices[axis]
		if idx < 0 || idx >= t.shape.Dimensions[axis] {
			exceptions.Panicf("Tensor.At(%v): index out of bounds for shape %s", indices, t.shape)
		}
		pos += idx * stride
	}
	return t.flat[pos]
}

// Value returns a multidimensional slice (or a scalar) of the tensor's Go type, with a copy of the values.
// E.g., a Float32 tensor of shape [2 3] returns a [][]float32.
func (t *Tensor) Value() any {
	t.AssertValid()
	goType := t.DType().GoType()
	flatV := reflect.MakeSlice(reflect.SliceOf(goType), len(t.flat), len(t.flat))
	for ii, v := range t.flat {
		switch t.DType() {
		case dtypes.Float16:
			flatV.Index(ii).Set(reflect.ValueOf(float16.Fromfloat32(float32(v))))
		default:
			flatV.Index(ii).SetFloat(v)
		}
	}
	if t.IsScalar() {
		return flatV.Index(0).Interface()
	}
	return convertDataToSlices(flatV, t.shape.Dimensions...).Interface()
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := make([]int, len(dimensions))
	currentStride := 1
	for dim := len(dimensions) - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= dimensions[dim]
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// Clone returns a copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// ConvertDType returns a copy of the tensor converted to the given dtype.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	return FromFloat64s(dtype, t.flat, t.shape.Dimensions...)
}

// Equal checks weather t == otherTensor.
// If they are the same pointer, they are considered equal.
// If the shapes are different, it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return slices.Equal(t.flat, otherTensor.flat)
}

// InDelta checks weather Abs(t - otherTensor) < delta for every element.
// If the shapes are different, it returns false. NaNs are considered equal to each other.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v0 := range t.flat {
		v1 := otherTensor.flat[ii]
		if math.IsNaN(v0) && math.IsNaN(v1) {
			continue
		}
		if !(math.Abs(v0-v1) < delta) {
			return false
		}
	}
	return true
}

// HasNonFinite returns whether any of the values is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	t.AssertValid()
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// SplitBatch splits the tensor along the first axis (the batch axis) into numParts contiguous tensors
// of equal size.
//
// It returns an error if the tensor is a scalar or if the batch size is not divisible by numParts.
func SplitBatch(t *Tensor, numParts int) ([]*Tensor, error) {
	t.AssertValid()
	if t.IsScalar() {
		return nil, errors.Errorf("tensors.SplitBatch: cannot split a scalar")
	}
	batchSize := t.shape.Dimensions[0]
	if numParts <= 0 || numParts > batchSize || batchSize%numParts != 0 {
		return nil, errors.Errorf("tensors.SplitBatch: batch size %d cannot be split in %d equal parts",
			batchSize, numParts)
	}
	partDims := slices.Clone(t.shape.Dimensions)
	partDims[0] = batchSize / numParts
	partSize := len(t.flat) / numParts
	parts := make([]*Tensor, numParts)
	for ii := range parts {
		parts[ii] = &Tensor{
			shape: shapes.Make(t.DType(), partDims...),
			flat:  slices.Clone(t.flat[ii*partSize : (ii+1)*partSize]),
		}
	}
	return parts, nil
}

// ConcatenateBatch concatenates the tensors along the first axis (the batch axis).
// All tensors must have the same dtype and the same dimensions except the first axis.
func ConcatenateBatch(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.ConcatenateBatch: no tensors given")
	}
	first := parts[0].Shape()
	if first.IsScalar() {
		return nil, errors.New("tensors.ConcatenateBatch: cannot concatenate scalars")
	}
	dims := slices.Clone(first.Dimensions)
	dims[0] = 0
	var flat []float64
	for ii, part := range parts {
		s := part.Shape()
		if s.DType != first.DType || s.Rank() != first.Rank() || !slices.Equal(s.Dimensions[1:], first.Dimensions[1:]) {
			return nil, errors.Errorf("tensors.ConcatenateBatch: part #%d has shape %s, incompatible with part #0 shape %s",
				ii, s, first)
		}
		dims[0] += s.Dimensions[0]
		flat = append(flat, part.flat...)
	}
	return &Tensor{shape: shapes.Make(first.DType, dims...), flat: flat}, nil
}

// String implements fmt.Stringer, and pretty-prints the tensor with a default precision.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Summary(4)
}

// GoStr converts to string, using a Go-syntax representation that can be copied & pasted back to code.
func (t *Tensor) GoStr() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %#v", t.shape, t.Value())
}
