// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the floating point data types supported by the module.
//
// Only float types are supported: normalization statistics are meaningless for integers, and keeping the
// enum small keeps the interpreter kernels simple. Float16 uses the github.com/x448/float16 implementation.
//
// Values of every DType are manipulated by the interpreter as float64, and rounded back to the precision
// of the DType after every operation (see DType.Round).
package dtypes

import (
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the data type of the unit element of a tensor.
type DType int

const (
	// InvalidDType is the zero-value of DType, and represents a non-set DType.
	InvalidDType DType = iota
	Float16
	Float32
	Float64
)

// MapOfNames maps DType names (and their lower-case versions) to DType.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Float16":      Float16,
	"Float32":      Float32,
	"Float64":      Float64,
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case InvalidDType:
		return "InvalidDType"
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// FromName returns the DType for the given name, case-insensitive.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		dtype, found = MapOfNames[strings.ToLower(name)]
	}
	if !found || dtype == InvalidDType {
		return InvalidDType, errors.Errorf("unknown dtype %q, valid values are Float16, Float32 and Float64", name)
	}
	return dtype, nil
}

// IsFloat returns whether dtype is a supported float type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// Size returns the number of bytes used to store one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Memory returns the number of bytes used to store one element of the dtype, as an uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

var (
	float16Type = reflect.TypeOf(float16.Float16(0))
	float32Type = reflect.TypeOf(float32(0))
	float64Type = reflect.TypeOf(float64(0))
)

// GoType returns the Go reflect.Type used to represent one element of the dtype.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float16:
		return float16Type
	case Float32:
		return float32Type
	case Float64:
		return float64Type
	}
	return nil
}

// FromGoType returns the DType for the given reflect.Type, or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float16Type:
		return Float16
	case float32Type:
		return Float32
	case float64Type:
		return Float64
	}
	return InvalidDType
}

// Round converts v to the precision of dtype, and returns it back as float64.
// NaN and infinities are preserved.
func (dtype DType) Round(v float64) float64 {
	switch dtype {
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case Float32:
		return float64(float32(v))
	}
	return v
}

// Epsilon returns the machine epsilon of the dtype: the difference between 1.0 and the next representable value.
func (dtype DType) Epsilon() float64 {
	switch dtype {
	case Float16:
		return 1.0 / 1024
	case Float32:
		return float64(math.Nextafter32(1, 2) - 1)
	}
	return math.Nextafter(1, 2) - 1
}

// Supported lists the Go types that can be used as tensor elements.
type Supported interface {
	float16.Float16 | float32 | float64
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	}
	return InvalidDType
}

// ToFloat64 converts a supported Go value to float64.
func ToFloat64[T Supported](v T) float64 {
	switch x := any(v).(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case float16.Float16:
		return float64(x.Float32())
	}
	return math.NaN()
}

// FromFloat64 converts a float64 to the given supported Go type.
func FromFloat64[T Supported](v float64) T {
	var t T
	switch any(t).(type) {
	case float64:
		return any(v).(T)
	case float32:
		return any(float32(v)).(T)
	case float16.Float16:
		return any(float16.Fromfloat32(float32(v))).(T)
	}
	return t
}
