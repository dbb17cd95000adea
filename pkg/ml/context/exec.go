// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDuplicateStepUpdate is returned by Exec.ExecStep when a variable updated by the graph was already updated
// for the same (or a later) step.
var ErrDuplicateStepUpdate = errors.New("duplicate variable update for step")

// ExecGraphFn is a type parameter for accepted function types for NewExec constructor.
type ExecGraphFn interface {
	func(*Context, *Graph) |
		func(*Context, *Graph) *Node |
		func(*Context, *Node) *Node |
		func(*Context, *Node, *Node) *Node |
		func(*Context, *Node, *Node, *Node) *Node |
		func(*Context, []*Node) *Node |

		func(*Context, *Graph) (*Node, *Node) |
		func(*Context, *Node) (*Node, *Node) |
		func(*Context, *Node, *Node) (*Node, *Node) |
		func(*Context, *Node, *Node, *Node) (*Node, *Node) |
		func(*Context, []*Node) (*Node, *Node) |

		func(*Context, *Graph) (*Node, *Node, *Node) |
		func(*Context, *Node) (*Node, *Node, *Node) |
		func(*Context, *Node, *Node) (*Node, *Node, *Node) |
		func(*Context, []*Node) (*Node, *Node, *Node) |

		func(*Context, *Graph) []*Node |
		func(*Context, *Node) []*Node |
		func(*Context, *Node, *Node) []*Node |
		func(*Context, []*Node) []*Node
}

// Exec creates and executes computation graphs that use a Context, as needed based on the inputs shapes.
// It works like graph.Exec, but it handles the variables of the context:
//
//   - Variables used in the graph (with Variable.ValueGraph) are fed automatically as side parameters.
//   - Variables changed in the graph (with Variable.SetValueGraph) are returned as side outputs, and their values
//     are committed after the execution.
//   - Variables not yet initialized are initialized before the execution.
//
// Updates can be tagged with a step (see ExecStep): a variable can then only be updated once per step, which
// guarantees one logical update per training step even when several executors share the variable.
//
// The graph building function can also take no *Node inputs (only *Graph) and return no outputs, for graphs that
// only update variables.
type Exec struct {
	ctx       *Context
	exec      *graph.Exec
	name      string
	numInputs int // -1 for a []*graph.Node input.

	// mu protects per-graph information.
	mu           sync.Mutex
	graphs       sets.Set[graph.GraphId]
	sideOutputs  map[graph.GraphId][]*Variable
	ctxGraphFnV  reflect.Value
	outputsSlice bool

	// changesVariables is set once any graph built by the executor changes variables.
	changesVariables atomic.Bool
}

// NewExecAny constructs an Exec for the given context and graph building function ctxGraphFn.
//
// ctxGraphFn must take a *Context as its first parameter, followed by either one or more *Node parameters,
// a single []*Node, or a single *Graph when there are no input tensors. It returns one or more *Node,
// a single []*Node, or nothing (only allowed with a *Graph input).
//
// If ctx is nil, a new empty context is created.
func NewExecAny(ctx *Context, ctxGraphFn any) (*Exec, error) {
	if ctx == nil {
		ctx = New()
	}
	fnT := reflect.TypeOf(ctxGraphFn)
	if fnT == nil || fnT.Kind() != reflect.Func {
		return nil, errors.Errorf("ctxGraphFn must be a function, got %T", ctxGraphFn)
	}
	var ctxPtr *Context
	var nodePtr *Node
	var graphPtr *Graph
	ctxType, nodeType, graphType := reflect.TypeOf(ctxPtr), reflect.TypeOf(nodePtr), reflect.TypeOf(graphPtr)
	nodesType := reflect.SliceOf(nodeType)

	if fnT.NumIn() < 2 || fnT.In(0) != ctxType {
		return nil, errors.Errorf("ctxGraphFn must take a *Context followed by the inputs, got %s", fnT)
	}
	e := &Exec{
		ctx:         ctx,
		graphs:      sets.Make[graph.GraphId](),
		sideOutputs: make(map[graph.GraphId][]*Variable),
		ctxGraphFnV: reflect.ValueOf(ctxGraphFn),
		numInputs:   fnT.NumIn() - 1,
	}
	isGraphInput := false
	for ii := 1; ii < fnT.NumIn(); ii++ {
		switch fnT.In(ii) {
		case graphType, nodesType:
			if fnT.NumIn() != 2 {
				return nil, errors.Errorf("%s input is only accepted as the only input after *Context, got %s",
					fnT.In(ii), fnT)
			}
			if fnT.In(ii) == graphType {
				isGraphInput = true
				e.numInputs = 0
			} else {
				e.numInputs = -1
			}
		case nodeType:
		default:
			return nil, errors.Errorf("input parameter %d of ctxGraphFn is not of type *Node, []*Node or *Graph: %s",
				ii, fnT)
		}
	}
	if fnT.NumOut() == 0 && !isGraphInput {
		return nil, errors.Errorf("ctxGraphFn with no outputs must take (*Context, *Graph) as input, got %s", fnT)
	}
	for ii := range fnT.NumOut() {
		switch fnT.Out(ii) {
		case nodesType:
			if fnT.NumOut() != 1 {
				return nil, errors.Errorf("[]*Node output is only accepted as the only output, got %s", fnT)
			}
			e.outputsSlice = true
		case nodeType:
		default:
			return nil, errors.Errorf("output parameter %d of ctxGraphFn is not of type *Node or []*Node: %s", ii, fnT)
		}
	}

	var err error
	if isGraphInput {
		e.exec, err = graph.NewExec(func(g *graph.Graph) []*graph.Node {
			return e.buildGraph(g, []reflect.Value{reflect.ValueOf(g)})
		})
	} else {
		e.exec, err = graph.NewExec(func(inputs []*graph.Node) []*graph.Node {
			if len(inputs) == 0 {
				panic(errors.Errorf("%s requires at least one input tensor", e.name))
			}
			var argsV []reflect.Value
			if e.numInputs < 0 {
				argsV = []reflect.Value{reflect.ValueOf(inputs)}
			} else {
				if len(inputs) != e.numInputs {
					panic(errors.Errorf("%s takes %d inputs, %d given", e.name, e.numInputs, len(inputs)))
				}
				argsV = make([]reflect.Value, len(inputs))
				for ii, input := range inputs {
					argsV[ii] = reflect.ValueOf(input)
				}
			}
			return e.buildGraph(inputs[0].Graph(), argsV)
		})
	}
	if err != nil {
		return nil, err
	}
	funcName := runtime.FuncForPC(e.ctxGraphFnV.Pointer()).Name()
	e.SetName(fmt.Sprintf("ctx.Exec:%s", funcName))
	e.exec.SetSideParamsHook(e.setSideParams)
	return e, nil
}

// NewExec constructs an Exec for the given context and graph building function ctxGraphFn.
// See NewExecAny for details.
//
// It's a wrapper for NewExecAny, but uses generics to type check that ctxGraphFn is valid.
func NewExec[F ExecGraphFn](ctx *Context, ctxGraphFn F) (*Exec, error) {
	return NewExecAny(ctx, ctxGraphFn)
}

// Context returns the context used by Exec.
func (e *Exec) Context() *Context { return e.ctx }

// SetName sets the name of Exec, used as prefix of the names of the graphs created.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetName(name string) *Exec {
	e.name = name
	e.exec.SetName(name)
	return e
}

// Name returns the Exec name.
func (e *Exec) Name() string { return e.name }

// SetMaxCache sets the maximum number of graphs cached, one per combination of input shapes. See graph.Exec.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.exec.SetMaxCache(maxCacheSize)
	return e
}

// SetInstabilityHandler sets the handler called when a numerical instability is clamped. See graph.Exec.
func (e *Exec) SetInstabilityHandler(handler func(err error)) *Exec {
	e.exec.SetInstabilityHandler(handler)
	return e
}

// SetNodeLogger sets the function called for the nodes marked for logging. See graph.Exec.
func (e *Exec) SetNodeLogger(loggerFn graph.LoggerFn) *Exec {
	e.exec.SetNodeLogger(loggerFn)
	return e
}

// NumClamped returns the number of negative values clamped to zero over all executions. See graph.Exec.
func (e *Exec) NumClamped() int64 { return e.exec.NumClamped() }

// buildGraph calls the user's ctxGraphFn and appends the changed variables as outputs.
func (e *Exec) buildGraph(g *graph.Graph, argsV []reflect.Value) []*graph.Node {
	argsV = append([]reflect.Value{reflect.ValueOf(e.ctx)}, argsV...)
	outputsV := e.ctxGraphFnV.Call(argsV)
	var outputs []*graph.Node
	if e.outputsSlice {
		outputs = outputsV[0].Interface().([]*graph.Node)
	} else {
		for _, outV := range outputsV {
			outputs = append(outputs, outV.Interface().(*graph.Node))
		}
	}

	var changed []*Variable
	for v := range e.ctx.IterVariables() {
		if v.ChangedInGraph(g) {
			changed = append(changed, v)
			outputs = append(outputs, v.ValueGraph(g))
		}
	}
	if len(outputs) == 0 {
		panic(errors.Errorf("%s: graph has no outputs and changes no variables", e.name))
	}
	e.mu.Lock()
	e.graphs.Insert(g.GraphId())
	e.sideOutputs[g.GraphId()] = changed
	e.mu.Unlock()
	if len(changed) > 0 {
		e.changesVariables.Store(true)
	}
	klog.V(1).Infof("%s: built graph %q with %d changed variable(s)", e.name, g.Name(), len(changed))
	return outputs
}

// setSideParams initializes the variables if needed, and feeds the values of the variables used by the graph.
func (e *Exec) setSideParams(g *graph.Graph, inputs []*tensors.Tensor) error {
	if e.ctx.NeedsInitialization() {
		if err := e.ctx.InitializeVariables(); err != nil {
			return err
		}
	}
	gID := g.GraphId()
	for v := range e.ctx.IterVariables() {
		nodes, found := v.graphToNodes.Load(gID)
		if !found {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return err
		}
		inputs[nodes.paramNode.GetParameterHandle()] = value
	}
	return nil
}

// Exec parses the arguments into tensors (if they are not yet) and executes the graph corresponding to the
// shapes of the arguments, creating and caching a graph if needed.
//
// Variables changed by the graph are updated, without step tracking (see ExecStep).
// It returns the outputs of ctxGraphFn.
func (e *Exec) Exec(args ...any) ([]*tensors.Tensor, error) {
	return e.execStep(NoStep, args)
}

// ExecStep is like Exec, but tags the variables updates with the given step (>= 0).
//
// If any variable changed by the graph was already updated for this step or a later one,
// it returns an error wrapping ErrDuplicateStepUpdate and no variable is changed.
func (e *Exec) ExecStep(step int64, args ...any) ([]*tensors.Tensor, error) {
	if step < 0 {
		return nil, errors.Errorf("%s: invalid step %d, it must be >= 0", e.name, step)
	}
	return e.execStep(step, args)
}

func (e *Exec) execStep(step int64, args []any) ([]*tensors.Tensor, error) {
	if e.numInputs >= 0 && len(args) != e.numInputs {
		return nil, errors.Errorf("# of arguments to call (%d) don't match # arguments to graph function (%d) for %q",
			len(args), e.numInputs, e.name)
	}
	if e.changesVariables.Load() {
		e.ctx.data.muUpdate.Lock()
		defer e.ctx.data.muUpdate.Unlock()
		return e.execAndCommit(step, args)
	}
	outputs, changed, _, err := e.execGraph(args)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return outputs, nil
	}
	// The graph was just built and changes variables, but their values were read without holding muUpdate:
	// discard the results and execute it again serialized with the other updates.
	e.ctx.data.muUpdate.Lock()
	defer e.ctx.data.muUpdate.Unlock()
	return e.execAndCommit(step, args)
}

// execGraph executes the graph for args, and splits its outputs from the new values of the changed variables.
func (e *Exec) execGraph(args []any) (outputs []*tensors.Tensor, changed []*Variable, values []*tensors.Tensor,
	err error) {
	outputs, g, err := e.exec.ExecWithGraph(args...)
	if err != nil {
		return nil, nil, nil, err
	}
	e.mu.Lock()
	changed = e.sideOutputs[g.GraphId()]
	e.mu.Unlock()
	numOutputs := len(outputs) - len(changed)
	return outputs[:numOutputs], changed, outputs[numOutputs:], nil
}

// execAndCommit executes the graph and commits the changed variables.
// It must be called with ctx.data.muUpdate held, so no other update happens between reading the variables
// and committing their new values.
func (e *Exec) execAndCommit(step int64, args []any) ([]*tensors.Tensor, error) {
	outputs, changed, values, err := e.execGraph(args)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return outputs, nil
	}
	e.ctx.data.muCommit.Lock()
	defer e.ctx.data.muCommit.Unlock()
	if step != NoStep {
		for _, v := range changed {
			if last := v.LastUpdateStep(); last != NoStep && step <= last {
				return nil, errors.Wrapf(ErrDuplicateStepUpdate, "%s: variable %q was already updated at step %d, "+
					"cannot update it for step %d", e.name, v.ScopeAndName(), last, step)
			}
		}
	}
	for ii, v := range changed {
		v.setValueLocked(values[ii], step)
	}
	return outputs, nil
}

// Finalize frees the graphs created by the executor, and their association with the context variables.
// The Exec shouldn't be used after that.
func (e *Exec) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for gID := range e.graphs {
		for v := range e.ctx.IterVariables() {
			v.forgetGraph(gID)
		}
		e.ctx.clearGraphParams(gID)
	}
	clear(e.graphs)
	clear(e.sideOutputs)
	e.exec.Finalize()
}
