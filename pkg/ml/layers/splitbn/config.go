// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package splitbn

import (
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfiguration is wrapped by errors of invalid layer configurations, including a split
	// number incompatible with the batch size. It's always detected before any computation is executed.
	ErrInvalidConfiguration = errors.New("invalid split batch normalization configuration")

	// ErrShapeMismatch is wrapped by errors of inputs whose shape or dtype is incompatible with the layer.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNumericalInstability is reported (not returned) when a negative variance is clamped to 0.
	// See graph.Exec.SetInstabilityHandler and context.Exec.SetInstabilityHandler.
	ErrNumericalInstability = graph.ErrNegativeClamped
)

const (
	// ParamSplitNum is the context hyperparameter with the number of groups the batch is split into.
	ParamSplitNum = "splitbn_split_num"

	// ParamEpsilon is the context hyperparameter with the epsilon added to the variance.
	ParamEpsilon = "splitbn_epsilon"

	// ParamDecay is the context hyperparameter with the decay of the running statistics.
	ParamDecay = "splitbn_decay"
)

// Config of a split batch normalization layer.
type Config struct {
	// SplitNum is the number of contiguous groups the batch axis is split into to compute the moments.
	// It must divide the batch size. SplitNum=1 is the usual batch normalization.
	SplitNum int

	// Epsilon is added to the variance before taking its square root.
	Epsilon float64

	// Decay is the weight of the batch statistics in the update of the running statistics:
	//
	//	running = running * (1 - Decay) + batch * Decay
	//
	// It's 1 minus the "momentum" of other frameworks.
	Decay float64

	// FeatureAxis is the axis with the channels (features), normalized independently. Negative values
	// are counted from the end. It can't be the batch axis (0).
	FeatureAxis int

	// Center adds a learned offset (β), and Scale a learned scale (γ) to the normalized value.
	Center, Scale bool

	// FrozenAverages keeps the running statistics unchanged in training, and uses them instead of the batch
	// moments to normalize. Used for transfer learning.
	FrozenAverages bool
}

// DefaultConfig returns the default configuration: one group (plain batch normalization), channels-last.
func DefaultConfig() Config {
	return Config{
		SplitNum:    1,
		Epsilon:     1e-5,
		Decay:       0.1,
		FeatureAxis: -1,
		Center:      true,
		Scale:       true,
	}
}

// FromContext returns DefaultConfig with the values overridden by the context hyperparameters
// ParamSplitNum, ParamEpsilon and ParamDecay, if they are set.
func FromContext(ctx *context.Context) Config {
	cfg := DefaultConfig()
	cfg.SplitNum = context.GetParamOr(ctx, ParamSplitNum, cfg.SplitNum)
	cfg.Epsilon = context.GetParamOr(ctx, ParamEpsilon, cfg.Epsilon)
	cfg.Decay = context.GetParamOr(ctx, ParamDecay, cfg.Decay)
	return cfg
}

// Validate the configuration values that don't depend on the input shape.
// Errors wrap ErrInvalidConfiguration.
func (cfg Config) Validate() error {
	if cfg.SplitNum < 1 {
		return errors.Wrapf(ErrInvalidConfiguration, "SplitNum must be >= 1, got %d", cfg.SplitNum)
	}
	if cfg.Epsilon <= 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "Epsilon must be > 0, got %g", cfg.Epsilon)
	}
	if cfg.Decay < 0 || cfg.Decay > 1 {
		return errors.Wrapf(ErrInvalidConfiguration, "Decay must be in [0, 1], got %g", cfg.Decay)
	}
	return nil
}

// ValidateShape validates the configuration against the shape of an input.
//
// A batch size smaller than SplitNum or not divisible by it returns an error wrapping ErrInvalidConfiguration.
// An input that can't be normalized (not a float, no batch axis, or a feature axis out of range or equal to
// the batch axis) returns an error wrapping ErrShapeMismatch.
func (cfg Config) ValidateShape(shape shapes.Shape) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := validateGrouping(shape, cfg.SplitNum, cfg.FeatureAxis)
	return err
}

// adjustFeatureAxis checks that shape can be normalized over featureAxis, and returns the axis adjusted
// to the rank of shape.
func adjustFeatureAxis(shape shapes.Shape, featureAxis int) (int, error) {
	if !shape.Ok() || !shape.DType.IsFloat() {
		return 0, errors.Wrapf(ErrShapeMismatch, "input must be a float tensor, got %s", shape)
	}
	rank := shape.Rank()
	if rank < 2 {
		return 0, errors.Wrapf(ErrShapeMismatch, "input must have a batch axis and a feature axis, got shape %s", shape)
	}
	adjusted := featureAxis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted <= 0 || adjusted >= rank {
		return 0, errors.Wrapf(ErrShapeMismatch, "feature axis %d is invalid for input shape %s, it must be in "+
			"range and can't be the batch axis 0", featureAxis, shape)
	}
	return adjusted, nil
}

// validateGrouping checks that the batch of shape can be split in splitNum groups, and returns the
// adjusted feature axis.
func validateGrouping(shape shapes.Shape, splitNum, featureAxis int) (int, error) {
	adjusted, err := adjustFeatureAxis(shape, featureAxis)
	if err != nil {
		return 0, err
	}
	batchSize := shape.Dim(0)
	switch {
	case splitNum < 1:
		return 0, errors.Wrapf(ErrInvalidConfiguration, "split number must be >= 1, got %d", splitNum)
	case splitNum > batchSize:
		return 0, errors.Wrapf(ErrInvalidConfiguration, "split number %d is larger than the batch size %d (input shape %s)",
			splitNum, batchSize, shape)
	case batchSize%splitNum != 0:
		return 0, errors.Wrapf(ErrInvalidConfiguration, "batch size %d is not divisible by the split number %d (input shape %s)",
			batchSize, splitNum, shape)
	}
	return adjusted, nil
}

// statsDType returns the dtype used to compute and store statistics for inputs of the given dtype.
// Half-precision inputs are normalized in float32.
func statsDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.Float16 {
		return dtypes.Float32
	}
	return dtype
}
