// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package splitbn implements split (micro-batch) batch normalization: the batch is split in SplitNum
// contiguous groups, the moments of each group are computed independently, and then pooled into the
// moments of the whole batch used to normalize.
//
// The pooled moments are mathematically the same as the ones of the whole batch, so SplitNum can follow
// the layout of the hardware (e.g. one group per device, or per micro-batch) without changing the model.
//
// It's built of three parts, which can be used independently:
//
//   - GroupMoments, CombineMoments and BatchMoments compute the pooled moments (and Moments.Merge does the
//     same on the host, to merge results of replicas).
//   - Normalize applies the normalization, with optional learned scale and offset.
//   - Tracker keeps the running statistics used for inference, updated at most once per training step.
//
// Layer wires them: see New and Layer.Apply.
//
// Based on paper "Batch Normalization: Accelerating Deep Network Training by Reducing
// Internal Covariate Shift" (Sergey Ioffe, Christian Szegedy), https://arxiv.org/abs/1502.03167.
package splitbn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/initializer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ScaleVariableName is the name of the learned scale (γ) variable, in the scope of the layer.
	ScaleVariableName = "scale"

	// OffsetVariableName is the name of the learned offset (β) variable, in the scope of the layer.
	OffsetVariableName = "offset"
)

// Layer is a split batch normalization layer for inputs with a fixed number of features.
//
// Its variables (scale, offset and the running statistics) live in the scope of the context given to New.
type Layer struct {
	ctx        *context.Context
	cfg        Config
	featureDim int
	dtype      dtypes.DType

	// scale and offset are nil if disabled in the Config.
	scale, offset *context.Variable
	tracker       *Tracker
}

// New creates a split batch normalization layer for featureDim features of the given dtype, with its variables
// in the current scope of ctx. Use ctx.In("name") to give each layer its own scope.
//
// Float16 inputs are normalized in Float32, and the variables are Float32.
//
// The split number can only be validated against the batch size when it's known: see NewForShape, or
// Layer.Apply, which validates it before building any computation.
func New(ctx *context.Context, featureDim int, dtype dtypes.DType, cfg Config) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !dtype.IsFloat() {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "split batch normalization requires a float dtype, got %s", dtype)
	}
	tracker, err := NewTracker(ctx, featureDim, dtype, cfg.Decay)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		ctx:        ctx,
		cfg:        cfg,
		featureDim: featureDim,
		dtype:      statsDType(dtype),
		tracker:    tracker,
	}
	varShape := shapes.Make(l.dtype, featureDim)
	err = exceptions.TryCatch[error](func() {
		if cfg.Scale {
			l.scale = ctx.WithInitializer(initializer.One).VariableWithShape(ScaleVariableName, varShape).SetTrainable(true)
		}
		if cfg.Center {
			l.offset = ctx.WithInitializer(initializer.Zero).VariableWithShape(OffsetVariableName, varShape).SetTrainable(true)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create split batch normalization in scope %q", ctx.Scope())
	}
	klog.V(1).Infof("splitbn: created layer %q with %d features (%s), SplitNum=%d", ctx.Scope(), featureDim,
		l.dtype, cfg.SplitNum)
	return l, nil
}

// NewForShape is like New, but takes the features dimension and dtype from the shape of the input, and also
// validates that its batch size can be split in cfg.SplitNum groups.
func NewForShape(ctx *context.Context, inputShape shapes.Shape, cfg Config) (*Layer, error) {
	if err := cfg.ValidateShape(inputShape); err != nil {
		return nil, err
	}
	featureAxis, _ := adjustFeatureAxis(inputShape, cfg.FeatureAxis)
	return New(ctx, inputShape.Dim(featureAxis), inputShape.DType, cfg)
}

// Config returns the layer configuration.
func (l *Layer) Config() Config { return l.cfg }

// FeatureDim returns the number of features normalized.
func (l *Layer) FeatureDim() int { return l.featureDim }

// Tracker returns the running statistics of the layer.
func (l *Layer) Tracker() *Tracker { return l.tracker }

// Scope returns the context scope of the layer variables.
func (l *Layer) Scope() string { return l.ctx.Scope() }

// Apply normalizes x in the given mode. It's a graph building function, and it panics on errors.
//
// In Training mode x is normalized with its batch moments, pooled from cfg.SplitNum groups, and the running
// statistics are updated with them. Execute the graph with context.Exec.ExecStep to have at most one update
// per step. If cfg.FrozenAverages is set, the running statistics are used instead, and never updated.
//
// In Inference mode x is normalized with the running statistics, which are never updated: the result only
// depends on x and the state of the Tracker.
//
// The output has the shape and dtype of x. Errors panic wrapping ErrInvalidConfiguration (e.g. a batch size
// not divisible by SplitNum) or ErrShapeMismatch, before any computation is executed.
func (l *Layer) Apply(x *Node, mode Mode) *Node {
	switch mode {
	case Training:
		xStats := l.checkInput(x, true)
		g := x.Graph()
		if l.cfg.FrozenAverages {
			return l.normalize(x, xStats, l.tracker.MeanGraph(g), l.tracker.VarianceGraph(g))
		}
		mean, variance := BatchMoments(xStats, l.cfg.SplitNum, l.cfg.FeatureAxis)
		l.tracker.UpdateGraph(mean, variance)
		return l.normalize(x, xStats, mean, variance)

	case Inference:
		xStats := l.checkInput(x, false)
		g := x.Graph()
		return l.normalize(x, xStats, l.tracker.MeanGraph(g), l.tracker.VarianceGraph(g))

	default:
		panic(errors.Wrapf(ErrInvalidConfiguration, "invalid mode %s", mode))
	}
}

// ApplyLocal normalizes x in training mode, like Apply, but it doesn't update the running statistics.
// It returns the normalized x and its batch mean and variance (shaped [C], in the statistics dtype).
//
// It's used by replicas normalizing a shard of the batch each: their moments are merged (see Moments.Merge)
// into one Tracker.Update.
func (l *Layer) ApplyLocal(x *Node) (normalized, mean, variance *Node) {
	xStats := l.checkInput(x, true)
	mean, variance = BatchMoments(xStats, l.cfg.SplitNum, l.cfg.FeatureAxis)
	normalized = l.normalize(x, xStats, mean, variance)
	return
}

// checkInput validates x and returns it converted to the statistics dtype.
// Grouping is only validated when it's used (training).
func (l *Layer) checkInput(x *Node, grouping bool) *Node {
	var err error
	if grouping {
		err = l.cfg.ValidateShape(x.Shape())
	} else {
		_, err = adjustFeatureAxis(x.Shape(), l.cfg.FeatureAxis)
	}
	if err != nil {
		panic(errors.WithMessagef(err, "splitbn layer %q", l.ctx.Scope()))
	}
	featureAxis, _ := adjustFeatureAxis(x.Shape(), l.cfg.FeatureAxis)
	if dim := x.Shape().Dim(featureAxis); dim != l.featureDim {
		panic(errors.Wrapf(ErrShapeMismatch, "splitbn layer %q created for %d features, got input shaped %s "+
			"with %d features on axis %d", l.ctx.Scope(), l.featureDim, x.Shape(), dim, featureAxis))
	}
	if x.DType() != l.dtype {
		if statsDType(x.DType()) != l.dtype {
			panic(errors.Wrapf(ErrShapeMismatch, "splitbn layer %q created for dtype %s, got input shaped %s",
				l.ctx.Scope(), l.dtype, x.Shape()))
		}
		return ConvertDType(x, l.dtype)
	}
	return x
}

// normalize xStats (x converted to the statistics dtype), and returns the result in the dtype of x.
func (l *Layer) normalize(x, xStats, mean, variance *Node) *Node {
	g := x.Graph()
	var scale, offset *Node
	if l.scale != nil {
		scale = l.scale.ValueGraph(g)
	}
	if l.offset != nil {
		offset = l.offset.ValueGraph(g)
	}
	normalized := Normalize(xStats, mean, variance, scale, offset, l.cfg.Epsilon, l.cfg.FeatureAxis)
	if normalized.DType() != x.DType() {
		normalized = ConvertDType(normalized, x.DType())
	}
	return normalized
}
