// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// MustNewExec is like NewExec, but panics on error.
func MustNewExec[F ExecGraphFn](ctx *Context, ctxGraphFn F) *Exec {
	return must.M1(NewExecAny(ctx, ctxGraphFn))
}

// ExecOnce builds the graph for ctxGraphFn, executes it once with the given arguments and returns
// its outputs. Variables changed by the graph are committed.
func ExecOnce[F ExecGraphFn](ctx *Context, ctxGraphFn F, args ...any) ([]*tensors.Tensor, error) {
	e, err := NewExec(ctx, ctxGraphFn)
	if err != nil {
		return nil, err
	}
	defer e.Finalize()
	return e.Exec(args...)
}

// MustExec is like Exec, but panics on error.
func (e *Exec) MustExec(args ...any) []*tensors.Tensor {
	return must.M1(e.Exec(args...))
}

// MustExecStep is like ExecStep, but panics on error.
func (e *Exec) MustExecStep(step int64, args ...any) []*tensors.Tensor {
	return must.M1(e.ExecStep(step, args...))
}

// Exec1 executes the graph with the given arguments and returns its only output.
func (e *Exec) Exec1(args ...any) (*tensors.Tensor, error) {
	outputs, err := e.Exec(args...)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.Errorf("%q returned %d outputs, Exec1 requires exactly one", e.name, len(outputs))
	}
	return outputs[0], nil
}

// Exec2 executes the graph with the given arguments and returns its two outputs.
func (e *Exec) Exec2(args ...any) (*tensors.Tensor, *tensors.Tensor, error) {
	outputs, err := e.Exec(args...)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) != 2 {
		return nil, nil, errors.Errorf("%q returned %d outputs, Exec2 requires exactly two", e.name, len(outputs))
	}
	return outputs[0], outputs[1], nil
}
