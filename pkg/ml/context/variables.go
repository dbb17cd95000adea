// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/support/xsync"
	"github.com/pkg/errors"
)

// NoStep is the value of Variable.LastUpdateStep for variables never updated with Exec.ExecStep.
const NoStep = int64(-1)

// Variable is a value shared among computation graphs, or across multiple executions of the same graph.
// It's defined in a scope in a Context.
//
// The materialized value can be accessed in between graph executions by Value and SetValue methods.
//
// While building a graph, ValueGraph returns the Node with the variable value for that graph (a graph parameter
// fed by context.Exec), and SetValueGraph changes it: context.Exec then commits the new value after the execution.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is updated by an outer optimizer.
	Trainable bool

	shape       shapes.Shape
	initializer VariableInitializer

	// mu protects value and lastStep.
	mu       sync.RWMutex
	value    *tensors.Tensor
	lastStep int64

	// graphToNodes maps graph ids in which this variable was used to its parameter Node and
	// its last value Node.
	graphToNodes xsync.SyncMap[graph.GraphId, *variableNodes]
}

// variableNodes holds the variable parameter node (fed to the graph) and its current value Node for a given graph.
// They differ if the variable value is changed during the graph building with Variable.SetValueGraph.
type variableNodes struct {
	paramNode, valueNode *graph.Node
}

func newVariable(ctx *Context, name string, shape shapes.Shape) *Variable {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		exceptions.Panicf("invalid variable name %q in scope %q", name, ctx.scope)
	}
	return &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     shape,
		Trainable: true,
		lastStep:  NoStep,
	}
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	if v == nil {
		return "<nil>"
	}
	return v.name
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	if v == nil {
		return "<nil>"
	}
	return v.scope
}

// ScopeAndName is a quick pretty-print way to refer to a variable.
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.Scope(), v.Name())
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil || !v.shape.Ok() {
		return "INVALID (NIL) VARIABLE"
	}
	return v.ScopeAndName()
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Invalid()
	}
	return v.shape
}

// DType returns the variable DType.
func (v *Variable) DType() dtypes.DType {
	return v.Shape().DType
}

// AssertValid panics if the variable is nil or has an invalid shape.
func (v *Variable) AssertValid() {
	if v == nil {
		exceptions.Panicf("context.Variable is nil")
	}
	if !v.shape.Ok() {
		exceptions.Panicf("context.Variable %q has no valid shape", v.name)
	}
}

// SetTrainable sets the variable trainable status. It returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.AssertValid()
	v.Trainable = trainable
	return v
}

// VariableParameterPrefix is used to prefix Graph parameter names for variables.
const VariableParameterPrefix = "var:"

// ParameterName used when creating a parameter node in a Graph to access the variable.
// It is unique and includes the scope and the variable name.
func (v *Variable) ParameterName() string {
	v.AssertValid()
	return fmt.Sprintf("%s%s", VariableParameterPrefix, v.ScopeAndName())
}

// HasValue returns whether the variable has a value, that is, whether it was initialized.
func (v *Variable) HasValue() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value != nil
}

// Value returns the tensor holding the variable value. Use this to inspect the value in Go.
// If building a computation graph, use Variable.ValueGraph.
//
// It returns an error if the variable has not been initialized.
func (v *Variable) Value() (*tensors.Tensor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.value == nil {
		return nil, errors.Errorf("variable %q has no value, it was not initialized", v.ScopeAndName())
	}
	return v.value, nil
}

// MustValue is like Value, but panics on error.
func (v *Variable) MustValue() *tensors.Tensor {
	value, err := v.Value()
	if err != nil {
		panic(err)
	}
	return value
}

// SetValue sets the variable value. It must have the same shape as the variable.
//
// It doesn't change LastUpdateStep.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	v.AssertValid()
	if !value.Ok() {
		return errors.Errorf("SetValue(nil or invalid tensor) for variable %q, use Reset instead", v.ScopeAndName())
	}
	if !value.Shape().Equal(v.shape) {
		return errors.Errorf("SetValue for variable %q with shape %s, but variable has shape %s",
			v.ScopeAndName(), value.Shape(), v.shape)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	return nil
}

// setValueLocked sets the value, and the last update step if step != NoStep.
func (v *Variable) setValueLocked(value *tensors.Tensor, step int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	if step != NoStep {
		v.lastStep = step
	}
}

// LastUpdateStep returns the step of the last update committed by Exec.ExecStep, or NoStep if there were none.
func (v *Variable) LastUpdateStep() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastStep
}

// Reset clears the variable value and its last update step. The variable will be re-initialized the next time it
// is used by a context.Exec (or by Context.InitializeVariables).
func (v *Variable) Reset() {
	v.mu.Lock()
	v.value = nil
	v.lastStep = NoStep
	v.mu.Unlock()
	v.ctx.data.muVars.Lock()
	v.ctx.data.needsInitialization = true
	v.ctx.data.muVars.Unlock()
}

// InUseByGraph returns whether the variable is currently in use by the given graph.
func (v *Variable) InUseByGraph(g *graph.Graph) bool {
	v.AssertValid()
	_, found := v.graphToNodes.Load(g.GraphId())
	return found
}

// ChangedInGraph returns whether the variable is in use and was changed in the computation graph g.
func (v *Variable) ChangedInGraph(g *graph.Graph) bool {
	v.AssertValid()
	nodes, found := v.graphToNodes.Load(g.GraphId())
	if !found {
		return false
	}
	return nodes.paramNode != nodes.valueNode
}

// ValueGraph returns the Node of the Graph that holds the current value of the variable. It can be changed
// for the graph by SetValueGraph.
//
// It's a computation graph building function, and panics on errors.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	v.AssertValid()
	if nodes, found := v.graphToNodes.Load(g.GraphId()); found {
		return nodes.valueNode
	}
	return v.paramNode(g)
}

// SetValueGraph sets the value (a graph Node) of the variable for the current graph.
//
// context.Exec uses the last value set with SetValueGraph as an extra output of the graph, and after the
// execution it updates the variable with it.
//
// It's a computation graph building function, and panics on errors.
func (v *Variable) SetValueGraph(value *graph.Node) {
	v.AssertValid()
	value.AssertValid()
	if !value.Shape().Equal(v.shape) {
		exceptions.Panicf("SetValueGraph for variable %q with shape %s, but variable has shape %s",
			v.ScopeAndName(), value.Shape(), v.shape)
	}
	g := value.Graph()
	nodes, found := v.graphToNodes.Load(g.GraphId())
	if !found {
		v.paramNode(g)
		nodes, _ = v.graphToNodes.Load(g.GraphId())
	}
	nodes.valueNode = value
}

// paramNode creates the graph parameter that will be fed with the variable value when the graph is executed.
// It's the initial value of the variable in the graph.
func (v *Variable) paramNode(g *graph.Graph) *graph.Node {
	if nodes, found := v.graphToNodes.Load(g.GraphId()); found {
		return nodes.paramNode
	}
	node := graph.Parameter(g, v.ParameterName(), v.shape)
	v.graphToNodes.Store(g.GraphId(), &variableNodes{paramNode: node, valueNode: node})
	return node
}

// forgetGraph removes the association of the variable with the graph.
func (v *Variable) forgetGraph(gID graph.GraphId) {
	v.graphToNodes.Delete(gID)
}
