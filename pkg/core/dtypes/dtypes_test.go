// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"testing"

	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	if MapOfNames["Float16"] != Float16 {
		t.Fatalf("expected MapOfNames[\"Float16\"] to be Float16, got %v", MapOfNames["Float16"])
	}
	if MapOfNames["float32"] != Float32 {
		t.Fatalf("expected MapOfNames[\"float32\"] to be Float32, got %v", MapOfNames["float32"])
	}
	dtype, err := FromName("FLOAT64")
	if err != nil || dtype != Float64 {
		t.Fatalf("expected FromName(\"FLOAT64\") to be Float64, got %v (err=%v)", dtype, err)
	}
	if _, err = FromName("int32"); err == nil {
		t.Fatal("expected FromName(\"int32\") to fail")
	}
}

func TestRound(t *testing.T) {
	v := 1.0 + 1e-10
	if Float64.Round(v) != v {
		t.Fatalf("Float64.Round should not change %g", v)
	}
	if Float32.Round(v) != 1.0 {
		t.Fatalf("Float32.Round(%g) should be 1.0, got %g", v, Float32.Round(v))
	}
	if got := Float16.Round(1.0 + 1e-4); got != 1.0 {
		t.Fatalf("Float16.Round(1.0001) should be 1.0, got %g", got)
	}
	if !math.IsNaN(Float32.Round(math.NaN())) {
		t.Fatal("Float32.Round(NaN) should be NaN")
	}
	if !math.IsInf(Float16.Round(1e10), 1) {
		t.Fatal("Float16.Round(1e10) should overflow to +Inf")
	}
}

func TestGoTypes(t *testing.T) {
	if FromGenericsType[float16.Float16]() != Float16 {
		t.Fatal("expected float16.Float16 to map to Float16")
	}
	if FromGoType(Float32.GoType()) != Float32 {
		t.Fatal("expected GoType round trip for Float32")
	}
	if ToFloat64(float16.Fromfloat32(0.5)) != 0.5 {
		t.Fatal("expected ToFloat64(float16(0.5)) == 0.5")
	}
	if FromFloat64[float32](0.25) != float32(0.25) {
		t.Fatal("expected FromFloat64[float32](0.25) == 0.25")
	}
	if Float16.Size() != 2 || Float32.Memory() != 4 || Float64.Size() != 8 {
		t.Fatal("unexpected dtype sizes")
	}
	if Float16.Epsilon() <= Float32.Epsilon() || Float32.Epsilon() <= Float64.Epsilon() {
		t.Fatal("epsilon should decrease with precision")
	}
}
