// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package splitbn

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/initializer"
	"github.com/pkg/errors"
)

const (
	// MeanVariableName is the name of the running mean variable, in the scope of the Tracker.
	MeanVariableName = "mean"

	// VarianceVariableName is the name of the running variance variable, in the scope of the Tracker.
	VarianceVariableName = "variance"
)

// Tracker keeps the running mean and variance of the features seen in training, used to normalize
// in inference.
//
// They are stored as two non-trainable context variables, initialized to 0 (mean) and 1 (variance), and
// updated with an exponential moving average:
//
//	running = running * (1 - decay) + batch * decay
//
// Updates are committed by context.Exec.ExecStep (or Tracker.Update), and are accepted at most once per step:
// a second update for a step <= LastStep fails with an error wrapping context.ErrDuplicateStepUpdate.
type Tracker struct {
	ctx            *context.Context
	decay          float64
	mean, variance *context.Variable

	muExec     sync.Mutex
	updateExec *context.Exec
}

// NewTracker creates the running statistics variables for featureDim features in the current scope of ctx.
//
// Statistics of Float16 features are kept in Float32.
func NewTracker(ctx *context.Context, featureDim int, dtype dtypes.DType, decay float64) (*Tracker, error) {
	if featureDim < 1 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "feature dimension must be >= 1, got %d", featureDim)
	}
	if decay < 0 || decay > 1 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "decay must be in [0, 1], got %g", decay)
	}
	if !dtype.IsFloat() {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "running statistics must be floats, got dtype %s", dtype)
	}
	t := &Tracker{ctx: ctx, decay: decay}
	shape := shapes.Make(statsDType(dtype), featureDim)
	err := exceptions.TryCatch[error](func() {
		t.mean = ctx.WithInitializer(initializer.Zero).VariableWithShape(MeanVariableName, shape).SetTrainable(false)
		t.variance = ctx.WithInitializer(initializer.One).VariableWithShape(VarianceVariableName, shape).SetTrainable(false)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create running statistics in scope %q", ctx.Scope())
	}
	return t, nil
}

// Decay used in the updates.
func (t *Tracker) Decay() float64 { return t.decay }

// Shape of the running mean and variance.
func (t *Tracker) Shape() shapes.Shape { return t.mean.Shape() }

// Variables returns the context variables holding the running mean and variance.
func (t *Tracker) Variables() (mean, variance *context.Variable) { return t.mean, t.variance }

// MeanGraph returns the running mean for the graph g, shaped [C].
func (t *Tracker) MeanGraph(g *Graph) *Node { return t.mean.ValueGraph(g) }

// VarianceGraph returns the running variance for the graph g, shaped [C].
func (t *Tracker) VarianceGraph(g *Graph) *Node { return t.variance.ValueGraph(g) }

// UpdateGraph sets the updated running statistics in the graph of batchMean, and returns them.
// The new values are committed when the graph is executed by a context.Exec.
//
// The batch moments must have the Tracker's Shape. No gradient flows from the update back to them.
//
// It panics if the statistics were already updated in the same graph: a graph performs at most one update.
func (t *Tracker) UpdateGraph(batchMean, batchVariance *Node) (mean, variance *Node) {
	for _, batchStat := range []*Node{batchMean, batchVariance} {
		if !batchStat.Shape().Equal(t.Shape()) {
			panic(errors.Wrapf(ErrShapeMismatch, "running statistics of %q shaped %s can't be updated with batch "+
				"statistics shaped %s", t.ctx.Scope(), t.Shape(), batchStat.Shape()))
		}
	}
	g := batchMean.Graph()
	if t.mean.ChangedInGraph(g) || t.variance.ChangedInGraph(g) {
		panic(errors.Wrapf(ErrInvalidConfiguration, "running statistics of %q updated more than once in graph %q",
			t.ctx.Scope(), g.Name()))
	}
	ema := func(running, batch *Node) *Node {
		return Add(MulScalar(running, 1-t.decay), MulScalar(StopGradient(batch), t.decay))
	}
	mean = ema(t.MeanGraph(g), batchMean)
	variance = ema(t.VarianceGraph(g), batchVariance)
	t.mean.SetValueGraph(mean)
	t.variance.SetValueGraph(variance)
	return
}

// Update the running statistics on the host with the batch statistics of the given step.
//
// It returns an error wrapping context.ErrDuplicateStepUpdate if the statistics were already updated for
// step or a later one, in which case they are left unchanged.
func (t *Tracker) Update(step int64, batchMean, batchVariance *tensors.Tensor) error {
	args := []*tensors.Tensor{batchMean, batchVariance}
	for ii, batchStat := range args {
		if !batchStat.Ok() {
			return errors.Wrapf(ErrShapeMismatch, "running statistics of %q can't be updated with a nil or invalid "+
				"tensor", t.ctx.Scope())
		}
		if !batchStat.Shape().EqualDimensions(t.Shape()) || !batchStat.DType().IsFloat() {
			return errors.Wrapf(ErrShapeMismatch, "running statistics of %q shaped %s can't be updated with batch "+
				"statistics shaped %s", t.ctx.Scope(), t.Shape(), batchStat.Shape())
		}
		if batchStat.DType() != t.Shape().DType {
			args[ii] = batchStat.ConvertDType(t.Shape().DType)
		}
	}
	e, err := t.getUpdateExec()
	if err != nil {
		return err
	}
	_, err = e.ExecStep(step, args[0], args[1])
	return err
}

func (t *Tracker) getUpdateExec() (*context.Exec, error) {
	t.muExec.Lock()
	defer t.muExec.Unlock()
	if t.updateExec != nil {
		return t.updateExec, nil
	}
	e, err := context.NewExec(t.ctx, func(_ *context.Context, batchMean, batchVariance *Node) (*Node, *Node) {
		return t.UpdateGraph(batchMean, batchVariance)
	})
	if err != nil {
		return nil, err
	}
	t.updateExec = e.SetName("Tracker.Update:" + t.ctx.Scope())
	return t.updateExec, nil
}

// Mean returns the current running mean, initializing it if needed.
func (t *Tracker) Mean() (*tensors.Tensor, error) { return t.value(t.mean) }

// Variance returns the current running variance, initializing it if needed.
func (t *Tracker) Variance() (*tensors.Tensor, error) { return t.value(t.variance) }

func (t *Tracker) value(v *context.Variable) (*tensors.Tensor, error) {
	if !v.HasValue() {
		if err := t.ctx.InitializeVariables(); err != nil {
			return nil, err
		}
	}
	return v.Value()
}

// LastStep returns the step of the last update, or context.NoStep if it was never updated with a step.
func (t *Tracker) LastStep() int64 { return t.mean.LastUpdateStep() }

// Reset the running statistics to their initial values (mean 0, variance 1), and forgets the last step.
func (t *Tracker) Reset() {
	t.mean.Reset()
	t.variance.Reset()
}
