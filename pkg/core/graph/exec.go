// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/internal/workerspool"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecGraphFn is a type parameter for accepted function types for NewExec constructor.
type ExecGraphFn interface {
	func(*Graph) *Node |
		func(*Node) *Node |
		func(*Node, *Node) *Node |
		func(*Node, *Node, *Node) *Node |
		func(*Node, *Node, *Node, *Node) *Node |
		func([]*Node) *Node |

		// With 2 outputs
		func(*Graph) (*Node, *Node) |
		func(*Node) (*Node, *Node) |
		func(*Node, *Node) (*Node, *Node) |
		func(*Node, *Node, *Node) (*Node, *Node) |
		func(*Node, *Node, *Node, *Node) (*Node, *Node) |
		func([]*Node) (*Node, *Node) |

		// With 3 outputs
		func(*Graph) (*Node, *Node, *Node) |
		func(*Node) (*Node, *Node, *Node) |
		func(*Node, *Node) (*Node, *Node, *Node) |
		func(*Node, *Node, *Node) (*Node, *Node, *Node) |
		func(*Node, *Node, *Node, *Node) (*Node, *Node, *Node) |
		func([]*Node) (*Node, *Node, *Node) |

		// With slice of nodes as output.
		func(*Graph) []*Node |
		func(*Node) []*Node |
		func(*Node, *Node) []*Node |
		func(*Node, *Node, *Node) []*Node |
		func(*Node, *Node, *Node, *Node) []*Node |
		func([]*Node) []*Node
}

// ExecGraphFnOneOutput are ExecGraphFn functions that return only one result.
// See ExecOnce.
type ExecGraphFnOneOutput interface {
	func(*Graph) *Node |
		func(*Node) *Node |
		func(*Node, *Node) *Node |
		func(*Node, *Node, *Node) *Node |
		func(*Node, *Node, *Node, *Node) *Node |
		func([]*Node) *Node
}

// SideParamsFn is the function that sets side parameters during execution, for Graphs that define those.
// Typically, this is used to set the values of variables.
//
// inputs has one element per graph parameter: the first ones are the arguments given to Exec, already filled,
// and the remaining ones (nil) must be filled by the hook.
type SideParamsFn func(g *Graph, inputs []*tensors.Tensor) error

// LoggerFn is the function used to log nodes marked for logging. It is called after each execution,
// with the list of messages and corresponding values of the evaluated nodes.
type LoggerFn func(g *Graph, messages []string, values []*tensors.Tensor, nodes []NodeId)

// Exec creates and executes computation graphs as needed based on the inputs shapes.
//
// It simplifies the process of executing a graph building function with real values. For example, assume you wrote:
//
//	func EuclideanDistance(a, b *Node) *Node {
//	  return Sqrt(ReduceAllSum(Square(Sub(a, b))))
//	}
//
// To use it with actual values, one needs to build the graph for the specific shapes of a and b, compile it and
// run it. With Exec one can do:
//
//	var distance = MustNewExec(EuclideanDistance)
//	d0 := distance.MustExec([]float32{1, 2}, []float32{3, 4})[0]
//	d1 := distance.MustExec([]float64{1, 2, 3}, []float64{0, 0, 0})[0]
//
// Each call with a new list of input shapes creates (and caches) a new Graph. If the same shapes are used again,
// the cached graph is reused. For safety there is a maximum number of different graphs per Exec, see SetMaxCache.
//
// If there are no inputs (for instance for some initialization function), then graphFn must take a *Graph as its
// only parameter.
//
// Exec is safe for concurrent use.
type Exec struct {
	graphFn                     any
	numInputs, numOutputs       int
	inputAsSlice, outputAsSlice bool
	inputIsGraph                bool
	name                        string

	// maxCacheSize: if more than these different graph instantiations are
	// created, Exec starts returning errors.
	maxCacheSize int

	setSideParams      SideParamsFn
	loggerFn           LoggerFn
	instabilityHandler func(err error)
	pool               *workerspool.Pool
	poolSet            bool

	// Protects cache structure.
	cacheMu sync.Mutex
	cache   []*execCacheEntry
}

// execCacheEntry: no hashing, just a simple list. This is faster for smaller tables.
type execCacheEntry struct {
	argsShapes     []shapes.Shape
	graph          *Graph
	numOutputs     int      // Number of flattened outputs for this graph, including logged nodes.
	loggedMessages []string // Messages for logged nodes.
	loggedNodeIds  []NodeId
}

// DefaultExecMaxCacheSize is the default number of graphs an Exec will create and cache.
const DefaultExecMaxCacheSize = 10

// NewExecAny constructs an Exec object that uses the given graphFn to build computation graphs.
//
// graphFn takes only *Node parameters (or a single []*Node) as input and returns one or more *Node
// (or a single []*Node).
// If there are no inputs, graphFn needs to take a *Graph as its only parameter.
//
// It returns an error if graphFn doesn't match these requirements.
func NewExecAny(graphFn any) (*Exec, error) {
	graphFnT := reflect.TypeOf(graphFn)
	if graphFnT == nil || graphFnT.Kind() != reflect.Func {
		return nil, errors.Errorf("graphFn must be a function, got %T", graphFn)
	}
	funcName := runtime.FuncForPC(reflect.ValueOf(graphFn).Pointer()).Name()
	e := &Exec{
		name:         fmt.Sprintf("Exec:%s", funcName),
		graphFn:      graphFn,
		numInputs:    graphFnT.NumIn(),
		numOutputs:   graphFnT.NumOut(),
		maxCacheSize: DefaultExecMaxCacheSize,
		loggerFn:     DefaultNodeLogger,
	}

	var node *Node
	nodeType := reflect.TypeOf(node)
	var tmpGraph *Graph
	graphType := reflect.TypeOf(tmpGraph)

	if graphFnT.NumIn() < 1 || graphFnT.NumOut() < 1 {
		return nil, errors.Errorf("not enough input (%d)/output (%d) parameters, both need to be > 0",
			graphFnT.NumIn(), graphFnT.NumOut())
	}
	for ii := range graphFnT.NumIn() {
		if graphFnT.In(ii).Kind() == reflect.Slice && graphFnT.In(ii).Elem() == nodeType {
			if graphFnT.NumIn() != 1 {
				return nil, errors.Errorf("[]*Node parameters are only accepted as input if they are the only input, got function type %s instead", graphFnT)
			}
			e.inputAsSlice = true
			break
		}
		if graphFnT.In(ii) == graphType {
			if graphFnT.NumIn() != 1 {
				return nil, errors.Errorf("*Graph parameter only accepted as input if they are the only input, got function type %s instead", graphFnT)
			}
			e.inputIsGraph = true
			e.numInputs = 0
			break
		}
		if graphFnT.In(ii) != nodeType {
			return nil, errors.Errorf("input parameter %d is not of type *Node or []*Node", ii)
		}
	}
	for ii := range graphFnT.NumOut() {
		if graphFnT.Out(ii).Kind() == reflect.Slice && graphFnT.Out(ii).Elem() == nodeType {
			if graphFnT.NumOut() != 1 {
				return nil, errors.Errorf("[]*Node parameters are only accepted as output if they are the only output, got function type %s instead", graphFnT)
			}
			e.outputAsSlice = true
			break
		}
		if graphFnT.Out(ii) != nodeType {
			return nil, errors.Errorf("output parameter %d is not of type *Node", ii)
		}
	}
	return e, nil
}

// NewExec constructs an Exec object that uses the given graphFn to build computation graphs.
//
// It's a wrapper for NewExecAny, but uses generics to type check that graphFn is valid.
func NewExec[F ExecGraphFn](graphFn F) (*Exec, error) {
	return NewExecAny(graphFn)
}

// SetName sets the name of Exec, used to provide the name to graphs created.
// This should be called before any execution.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetName(name string) *Exec {
	e.name = name
	return e
}

// Name returns the Exec name, a string used as prefix for Graph construction.
func (e *Exec) Name() string {
	return e.name
}

// SetMaxCache sets the maximum size of the cache.
// Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.maxCacheSize = maxCacheSize
	return e
}

// SetSideParamsHook makes Exec call the given function every time before executing a graph,
// with the list of input tensors.
//
// Side parameters are parameters created by the graphFn itself, and are not passed to it as input
// parameters. These could be variables in a model, or some global values. Exec has no knowledge of them,
// hence cannot set their values, and this serves as a hook to set them up just before the graph is executed.
//
// The function is called anyway, even if there are no side parameters to be set.
func (e *Exec) SetSideParamsHook(fn SideParamsFn) *Exec {
	e.setSideParams = fn
	return e
}

// SetNodeLogger with the function to be called for the nodes marked for logging during execution.
// If set to nil nothing will be logged.
func (e *Exec) SetNodeLogger(loggerFn LoggerFn) *Exec {
	e.loggerFn = loggerFn
	return e
}

// GetNodeLogger returns the currently registered LoggerFn.
func (e *Exec) GetNodeLogger() LoggerFn {
	return e.loggerFn
}

// SetInstabilityHandler sets the handler given to every graph created by Exec. See Graph.SetInstabilityHandler.
// It must be called before the first execution.
func (e *Exec) SetInstabilityHandler(handler func(err error)) *Exec {
	e.instabilityHandler = handler
	return e
}

// WithPool sets the workers pool given to every graph created by Exec. See Graph.WithPool.
// It must be called before the first execution.
func (e *Exec) WithPool(pool *workerspool.Pool) *Exec {
	e.pool = pool
	e.poolSet = true
	return e
}

// NumClamped returns the number of values clamped by ClipNonNegative nodes over all graphs created by Exec.
func (e *Exec) NumClamped() int64 {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	var total int64
	for _, entry := range e.cache {
		total += entry.graph.NumClamped()
	}
	return total
}

// Exec parses the arguments into tensors (if they are not yet) and executes the graph corresponding to the
// shapes of the arguments. If a graph does not yet exist, one is created, compiled and cached for the shapes.
//
// It returns the outputs in a slice, even if there is only one output, or an error if it fails.
func (e *Exec) Exec(args ...any) ([]*tensors.Tensor, error) {
	results, _, err := e.ExecWithGraph(args...)
	return results, err
}

// ExecWithGraph is similar to Exec, but it also returns the computation graph used in the call.
// The returned Graph may be nil if it failed to parse the arguments or build the graph.
func (e *Exec) ExecWithGraph(args ...any) (outputs []*tensors.Tensor, g *Graph, err error) {
	if e.inputAsSlice && len(args) == 1 {
		if argsTensors, ok := args[0].([]*tensors.Tensor); ok {
			args = make([]any, len(argsTensors))
			for ii, t := range argsTensors {
				args[ii] = t
			}
		}
	}
	if !e.inputAsSlice && len(args) != e.numInputs {
		return nil, nil, errors.Errorf("# of arguments to call (%d) don't match # arguments to graph function (%d) for %q",
			len(args), e.numInputs, e.Name())
	}

	// Convert args to tensors.
	argsShapes := make([]shapes.Shape, 0, len(args))
	inputs := make([]*tensors.Tensor, 0, len(args))
	for ii, arg := range args {
		var t *tensors.Tensor
		err = exceptions.TryCatch[error](func() { t = tensors.FromAnyValue(arg) })
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to convert argument #%d of %q to a tensor", ii, e.Name())
		}
		if !t.Ok() {
			return nil, nil, errors.Errorf("argument #%d of %q is nil or invalid", ii, e.Name())
		}
		inputs = append(inputs, t)
		argsShapes = append(argsShapes, t.Shape())
	}

	entry, err := e.findOrCreateCacheEntry(argsShapes)
	if err != nil {
		return nil, nil, err
	}
	g = entry.graph

	// Set extra input parameters created by the graph.
	if g.NumParameters() > len(inputs) {
		tmp := make([]*tensors.Tensor, g.NumParameters())
		copy(tmp, inputs)
		inputs = tmp
	}
	if e.setSideParams != nil {
		if err = e.setSideParams(g, inputs); err != nil {
			return nil, g, errors.WithMessagef(err, "failed to set side parameters of %q", e.Name())
		}
	}
	for ii, t := range inputs {
		if !t.Ok() {
			return nil, g, errors.Errorf("parameter %d (%q) is nil or invalid, maybe a variable value not set as a parameter, cannot execute graph",
				ii, g.GetParameterByHandle(ParameterHandle(ii)).ParameterName())
		}
	}

	outputs, err = g.Run(inputs...)
	if err != nil {
		return nil, g, err
	}

	// Call logger on logged nodes.
	numGraphFnOutputs := entry.numOutputs - len(entry.loggedMessages)
	if e.loggerFn != nil && len(entry.loggedMessages) > 0 {
		e.loggerFn(g, entry.loggedMessages, outputs[numGraphFnOutputs:], entry.loggedNodeIds)
	}
	return outputs[:numGraphFnOutputs], g, nil
}

// MustExec is like Exec, but panics on errors.
func (e *Exec) MustExec(args ...any) []*tensors.Tensor {
	results, err := e.Exec(args...)
	if err != nil {
		panic(err)
	}
	return results
}

// findOrCreateCacheEntry returns the cached graph for the given arguments shapes, creating one if needed.
func (e *Exec) findOrCreateCacheEntry(argsShapes []shapes.Shape) (*execCacheEntry, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

LoopCache:
	for _, entry := range e.cache {
		if len(argsShapes) != len(entry.argsShapes) {
			continue
		}
		for ii, shape := range argsShapes {
			if !shape.Equal(entry.argsShapes[ii]) {
				continue LoopCache
			}
		}
		return entry, nil
	}

	if e.maxCacheSize >= 0 && len(e.cache) >= e.maxCacheSize {
		return nil, errors.Errorf(
			"maximum cache size of %d reached for %q, cannot create another graph -- "+
				"a new computation graph needs to be created+compiled for each different shape of "+
				"the input, consider using padding, or if this is not a concern change "+
				"the cache size with exec.SetMaxCache()", e.maxCacheSize, e.Name())
	}
	var entry *execCacheEntry
	err := exceptions.TryCatch[error](func() { entry = e.createGraph(argsShapes) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build %q computation graph for shapes %v", e.Name(), argsShapes)
	}
	e.cache = append(e.cache, entry)
	return entry, nil
}

// createGraph builds and compiles the graph for the arguments with the given shapes.
// It panics on errors.
func (e *Exec) createGraph(argsShapes []shapes.Shape) *execCacheEntry {
	g := NewGraph(fmt.Sprintf("%s#%d", e.name, len(e.cache)))
	if e.poolSet {
		g.WithPool(e.pool)
	}
	g.SetInstabilityHandler(e.instabilityHandler)
	entry := &execCacheEntry{graph: g}

	var argsV []reflect.Value
	var args []*Node
	if e.inputAsSlice {
		args = make([]*Node, 0, len(argsShapes))
	} else if e.inputIsGraph {
		argsV = []reflect.Value{reflect.ValueOf(g)}
	} else {
		argsV = make([]reflect.Value, 0, len(argsShapes))
	}
	for ii, shape := range argsShapes {
		arg := Parameter(g, fmt.Sprintf("arg#%d", ii), shape)
		if e.inputAsSlice {
			args = append(args, arg)
		} else {
			argsV = append(argsV, reflect.ValueOf(arg))
		}
	}
	if e.inputAsSlice {
		argsV = []reflect.Value{reflect.ValueOf(args)}
	}

	outputsV := reflect.ValueOf(e.graphFn).Call(argsV)
	var outputs []*Node
	if e.outputAsSlice {
		outputs = outputsV[0].Interface().([]*Node)
	} else {
		outputs = make([]*Node, 0, len(outputsV))
		for _, outV := range outputsV {
			outputs = append(outputs, outV.Interface().(*Node))
		}
	}
	if len(outputs) == 0 {
		exceptions.Panicf("graphFn for %q returned no outputs", e.Name())
	}

	// Append logged nodes as outputs.
	for _, node := range g.LoggedNodes() {
		outputs = append(outputs, node)
		entry.loggedMessages = append(entry.loggedMessages, node.LogMessage())
		entry.loggedNodeIds = append(entry.loggedNodeIds, node.Id())
	}

	g.Compile(outputs...)
	entry.argsShapes = make([]shapes.Shape, len(argsShapes))
	for ii, shape := range argsShapes {
		entry.argsShapes[ii] = shape.Clone()
	}
	entry.numOutputs = len(outputs)
	return entry
}

// Finalize clears the cache. The Exec object shouldn't be used after that.
func (e *Exec) Finalize() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for _, entry := range e.cache {
		entry.graph = nil
	}
	e.cache = e.cache[:0]
}

// DefaultNodeLogger for nodes marked to be logged. It logs the message and the node value with klog.
func DefaultNodeLogger(g *Graph, messages []string, values []*tensors.Tensor, nodes []NodeId) {
	if len(messages) == 0 {
		return
	}
	for ii, msg := range messages {
		klog.Infof("graph %q node #%d: %s: %s", g.Name(), nodes[ii], msg, values[ii])
	}
}
