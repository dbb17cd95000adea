// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Note: This file contains various aliases for NewExec and Exec.
// We separate them from the exec.go file to keep the core logic apart from the ergonomics.

// MustNewExecAny constructs an Exec object that uses the given graphFn to build computation graphs.
// It panics if graphFn is invalid. See NewExecAny.
func MustNewExecAny(graphFn any) *Exec {
	return must.M1(NewExecAny(graphFn))
}

// MustNewExec constructs an Exec object that uses the given graphFn to build computation graphs.
//
// It's a wrapper for MustNewExecAny, but uses generics to type check that graphFn is valid.
func MustNewExec[F ExecGraphFn](graphFn F) *Exec {
	return MustNewExecAny(graphFn)
}

// ExecOnce builds the graph and executes it with the given arguments and returns the one output.
//
// It's short for a call to MustNewExec, Exec.Exec and Exec.Finalize for functions that return only one output.
func ExecOnce[F ExecGraphFnOneOutput](graphFn F, args ...any) (*tensors.Tensor, error) {
	e := MustNewExec(graphFn)
	defer e.Finalize()
	results, err := e.Exec(args...)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// MustExecOnce is like ExecOnce, but panics on error.
func MustExecOnce[F ExecGraphFnOneOutput](graphFn F, args ...any) *tensors.Tensor {
	return must.M1(ExecOnce(graphFn, args...))
}

// Exec1 executes the graph with the given arguments and returns one output.
//
// It returns an error if the graph doesn't return exactly one output.
func (e *Exec) Exec1(args ...any) (*tensors.Tensor, error) {
	results, err := e.Exec(args...)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, errors.Errorf("graph %q returned %d results, as opposed to exactly one as expected by Exec1", e.Name(), len(results))
	}
	return results[0], nil
}

// Exec2 executes the graph with the given arguments and returns two outputs.
//
// It returns an error if the graph doesn't return exactly two outputs.
func (e *Exec) Exec2(args ...any) (*tensors.Tensor, *tensors.Tensor, error) {
	results, err := e.Exec(args...)
	if err != nil {
		return nil, nil, err
	}
	if len(results) != 2 {
		return nil, nil, errors.Errorf("graph %q returned %d results, as opposed to exactly two as expected by Exec2", e.Name(), len(results))
	}
	return results[0], results[1], nil
}

// Exec3 executes the graph with the given arguments and returns three outputs.
//
// It returns an error if the graph doesn't return exactly three outputs.
func (e *Exec) Exec3(args ...any) (*tensors.Tensor, *tensors.Tensor, *tensors.Tensor, error) {
	results, err := e.Exec(args...)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(results) != 3 {
		return nil, nil, nil, errors.Errorf("graph %q returned %d results, as opposed to exactly three as expected by Exec3", e.Name(), len(results))
	}
	return results[0], results[1], results[2], nil
}
