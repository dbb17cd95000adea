// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package splitbn

import (
	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/pkg/errors"
)

// Normalize returns (x - mean) / sqrt(variance + epsilon) * scale + offset, with the per-feature vectors
// broadcast over all the axes of x except featureAxis.
//
// mean, variance, scale and offset are shaped [C], where C is the dimension of x's featureAxis, and must
// have the same dtype as x. scale and offset are optional (nil).
//
// The variance is clamped to be non-negative before use.
//
// It panics with an error wrapping ErrShapeMismatch if the shapes are incompatible.
func Normalize(x, mean, variance, scale, offset *Node, epsilon float64, featureAxis int) *Node {
	featureAxis, err := adjustFeatureAxis(x.Shape(), featureAxis)
	if err != nil {
		panic(err)
	}
	featureDim := x.Shape().Dim(featureAxis)
	for _, vector := range []struct {
		name string
		node *Node
	}{{"mean", mean}, {"variance", variance}, {"scale", scale}, {"offset", offset}} {
		if vector.node == nil {
			if vector.name == "mean" || vector.name == "variance" {
				panic(errors.Wrapf(ErrShapeMismatch, "Normalize: %s is required", vector.name))
			}
			continue
		}
		s := vector.node.Shape()
		if s.Rank() != 1 || s.Dim(0) != featureDim || s.DType != x.DType() {
			panic(errors.Wrapf(ErrShapeMismatch, "Normalize: %s shaped %s, but x shaped %s requires [%d] of %s",
				vector.name, s, x.Shape(), featureDim, x.DType()))
		}
	}

	expand := func(v *Node) *Node { return ExpandToAxis(v, x.Rank(), featureAxis) }
	invStdDev := Inverse(Sqrt(AddScalar(ClipNonNegative(variance), epsilon)))
	normalized := Mul(Sub(x, expand(mean)), expand(invStdDev))
	if scale != nil {
		normalized = Mul(normalized, expand(scale))
	}
	if offset != nil {
		normalized = Add(normalized, expand(offset))
	}
	return normalized
}
