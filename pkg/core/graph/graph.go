// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is used to create and run symbolic computation graphs over float tensors.
//
// The graph package also includes an automatic differentiation system (see Gradient) and a pure Go
// interpreter that executes the graphs.
//
// The main elements in the package are:
//
//   - Exec is the driver that manages the lifecycle (Graph creation, compilation, caching, and execution) across
//     different input shapes. This is where most use cases start.
//
//   - Graph is the blueprint for a specific computation with specific input shapes.
//     It's usually created by an Exec object, built by an ExecGraphFn, and then cached and executed by the Exec.
//
//   - Node represents a symbolic value in the computation. This can be an input parameter, a constant,
//     or the result of an operation ("op" for short, e.g.: Add, Sub, Mul, ReduceSum, Reshape, etc.).
//     Each node has a fixed shape known in "graph building time".
//
//   - context.Context and context.Exec (from the pkg/ml/context package):
//     higher level abstractions that include variable handling. They work very similarly to graph.Exec
//     and should be used when the computation reads or updates variables (like running statistics).
//
// # Error Handling
//
// Graph (and its Node's) methods "throw" errors with panic(). This prevents having to manage
// error returning for every operation (Add, Sub, Mul, etc.) and makes the code much more readable.
// Exec converts those panics back to errors at the execution boundary.
//
// Since the shapes of every node are known while the graph is built, shape errors (and configuration
// errors of layers built with graphs) are raised at "graph building time", before any value is computed.
package graph

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/internal/workerspool"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GraphId is globally unique.
type GraphId int

// NodeId is a unique NodeId within a Graph
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// ParameterHandle is the index of a parameter in the graph, and the position of its value
// in the list of inputs given to Graph.Run.
type ParameterHandle int

// InvalidParameterHandle represents an invalid (or non-existent) parameter.
const InvalidParameterHandle = ParameterHandle(-1)

var graphCount atomic.Int64

// defaultPool is shared by all graphs to run parallel kernels.
var defaultPool = workerspool.New()

// Graph with the operations and dependencies needed to run a computation.
type Graph struct {
	id   GraphId
	name string

	// nodes include all nodes known to Graph, in the order they were created.
	nodes []*Node

	// parameters keeps track of parameter nodes, indexed by their ParameterHandle.
	parameters            []*Node
	parameterNameToHandle map[string]ParameterHandle

	traced bool

	// scalars maintains a cache of scalar values already created in the current Graph for re-use.
	scalars map[scalarKey]*Node

	// Compiled Graph.
	compiled bool
	outputs  []*Node
	needed   []bool

	pool *workerspool.Pool

	// instabilityHandler is called whenever a ClipNonNegative node clamps negative values.
	instabilityHandler func(err error)
	numClamped         atomic.Int64
}

type scalarKey struct {
	dtype dtypes.DType
	value float64
}

// NewGraph constructs an empty Graph.
//
// After building a computation, they can be compiled (see Graph.Compile), at which point the Graph becomes immutable
// and can only be executed.
func NewGraph(name string) *Graph {
	id := GraphId(graphCount.Add(1) - 1)
	if name == "" {
		name = fmt.Sprintf("graph_#%d", id)
	}
	return &Graph{
		id:                    id,
		name:                  name,
		parameterNameToHandle: make(map[string]ParameterHandle),
		scalars:               make(map[scalarKey]*Node),
		pool:                  defaultPool,
	}
}

// Name of the computation this Graph defines, set during its construction.
func (g *Graph) Name() string { return g.name }

// GraphId is a globally unique id of the graph. It's a counter that starts with 0.
func (g *Graph) GraphId() GraphId { return g.id }

// WithPool sets the workers pool used by the parallel kernels. It can only be called before the graph is
// executed. If pool is nil, the kernels run sequentially.
func (g *Graph) WithPool(pool *workerspool.Pool) *Graph {
	if pool == nil {
		pool = workerspool.New()
		pool.SetMaxParallelism(0)
	}
	g.pool = pool
	return g
}

// SetInstabilityHandler sets a function to be called (in addition to logging) whenever an execution of the
// graph clamps negative values in a ClipNonNegative node. The error given wraps ErrNegativeClamped.
func (g *Graph) SetInstabilityHandler(handler func(err error)) {
	g.instabilityHandler = handler
}

// NumClamped returns the total number of values clamped by ClipNonNegative nodes, over all executions of the graph.
func (g *Graph) NumClamped() int64 { return g.numClamped.Load() }

// AssertValid panics if the graph is nil.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
}

// AssertBuilding panics if the graph is nil or has already been compiled and therefore immutable.
func (g *Graph) AssertBuilding() {
	g.AssertValid()
	if g.compiled {
		exceptions.Panicf("Graph %q has already been compiled, one cannot further build computations with it", g.name)
	}
}

// IsCompiled returns whether the Graph has been compiled (immutable).
func (g *Graph) IsCompiled() bool { return g != nil && g.compiled }

// SetTraced defines whether each node creation is traced.
// If true, every node will save a stack-trace of where it was created, which is helpful for debugging.
// See Node.Trace().
func (g *Graph) SetTraced(traced bool) {
	g.AssertBuilding()
	g.traced = traced
}

// registerNode in the graph and returns a new unique id within the Graph.
// If Graph.traced is set, it also sets Node.trace to an error with a stack-trace.
func (g *Graph) registerNode(node *Node) (id NodeId) {
	g.AssertBuilding()
	if !node.shape.Ok() {
		exceptions.Panicf("trying to add node with invalid shape: %s", node)
	}
	id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	node.id = id
	if g.traced {
		node.trace = errors.New("Stack-trace")
	}
	return
}

// NodeById returns the node for the given id.
func (g *Graph) NodeById(id NodeId) *Node {
	if id == InvalidNodeId || int(id) >= len(g.nodes) {
		exceptions.Panicf("invalid request Graph.NodeById(id=%d): there are only %d nodes", id, len(g.nodes))
	}
	return g.nodes[id]
}

// Nodes return a slice of all nodes.
// The slice is owned by Graph and shouldn't be changed.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NumParameters returns the number of parameters created in the graph.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// GetParameterByHandle returns the parameter node for the given handle.
func (g *Graph) GetParameterByHandle(handle ParameterHandle) *Node {
	if handle < 0 || int(handle) >= len(g.parameters) {
		exceptions.Panicf("Graph %q has %d parameters, no parameter with handle %d", g.name, len(g.parameters), handle)
	}
	return g.parameters[handle]
}

// GetParameterByName returns the parameter registered with the given name. Returns nil if the parameter
// with the given name hasn't been registered (see Parameter method).
func (g *Graph) GetParameterByName(name string) (node *Node) {
	handle, ok := g.parameterNameToHandle[name]
	if !ok {
		return nil
	}
	return g.parameters[handle]
}

// LoggedNodes returns all nodes from the graph marked to be logged.
func (g *Graph) LoggedNodes() (nodes []*Node) {
	for _, node := range g.nodes {
		if node.IsLogged() {
			nodes = append(nodes, node)
		}
	}
	return
}

// Compile the Graph for execution of the given outputs. After this the graph can no longer be changed.
//
// At least one output must be given. Only the nodes the outputs depend on are evaluated by Run.
func (g *Graph) Compile(outputs ...*Node) {
	g.AssertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("no outputs selected when Graph.Compile(%q)", g.name)
	}
	g.needed = make([]bool, len(g.nodes))
	var mark func(node *Node)
	mark = func(node *Node) {
		if g.needed[node.id] {
			return
		}
		g.needed[node.id] = true
		for _, input := range node.inputNodes {
			mark(input)
		}
	}
	for ii, output := range outputs {
		if output == nil {
			exceptions.Panicf("Graph(%q).Compile: output #%d is nil", g.name, ii)
		}
		if output.graph != g {
			exceptions.Panicf("Graph(%q).Compile: output #%d (%s) is part of a different graph (%q)",
				g.name, ii, output, output.graph.name)
		}
		mark(output)
	}
	g.outputs = outputs
	g.compiled = true
	if klog.V(1).Enabled() {
		numNeeded := 0
		for _, n := range g.needed {
			if n {
				numNeeded++
			}
		}
		klog.Infof("Graph %q compiled: %d outputs, %d parameters, %d nodes (%d used)",
			g.name, len(outputs), len(g.parameters), len(g.nodes), numNeeded)
	}
}

// Run the compiled Graph with the inputs given in order -- same order as the parameters were created.
//
// It returns one tensor per output given to Compile.
// Any panic raised during execution (e.g.: invalid input shapes) is returned as an error.
func (g *Graph) Run(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if !g.IsCompiled() {
		return nil, errors.Errorf("Graph %q not compiled yet, it can't be used for execution", g.Name())
	}
	if len(inputs) != len(g.parameters) {
		return nil, errors.Errorf("Graph %q takes %d parameters, but %d were given to Run",
			g.name, len(g.parameters), len(inputs))
	}
	for ii, input := range inputs {
		param := g.parameters[ii]
		if !input.Ok() {
			return nil, errors.Errorf("Graph %q: parameter #%d (%q) is nil or invalid", g.name, ii, param.ParameterName())
		}
		if !input.Shape().Equal(param.shape) {
			return nil, errors.Errorf("Graph %q: parameter #%d (%q) requires shape %s, got %s",
				g.name, ii, param.ParameterName(), param.shape, input.Shape())
		}
	}
	err = exceptions.TryCatch[error](func() { outputs = g.interpret(inputs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute Graph %q", g.name)
	}
	return
}

// String converts the Graph to a multiline string with a description of the full graph.
func (g *Graph) String() string {
	if g == nil {
		return "Graph(nil)"
	}
	parts := make([]string, 0, len(g.nodes)+1)
	parts = append(parts, fmt.Sprintf("Graph %q: %d nodes, %d parameters, compiled=%v",
		g.name, len(g.nodes), len(g.parameters), g.compiled))
	for _, node := range g.nodes {
		parts = append(parts, "\t"+node.String())
	}
	return strings.Join(parts, "\n")
}
