// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/shapes"
)

// MaxSizeToPrint is the largest constant printed in full by Node.String.
const MaxSizeToPrint = 5

// Node represents the result of an operation in the computation graph, and can be used as input to further operations.
//
// Internally, it keeps tracks of all parameters used for the computation: this is later used for auto-differentiation
// (see Gradient).
//
// It also stores meta-information: see Node.SetLogged, StopGradient.
//
// Node.String allows for a pretty-printing of node. To see the full graph with all nodes, use Graph.String.
type Node struct {
	graph    *Graph
	id       NodeId // id within graph.
	nodeType NodeType
	shape    shapes.Shape

	// inputNodes are the edges of the computation graph.
	inputNodes []*Node

	// Static inputs, depending on the nodeType.
	paramName   string
	paramHandle ParameterHandle
	constValues []float64
	axes        []int

	// logMessage is set if node is marked for logging.
	logMessage string

	// stopGradient is set if no gradient is supposed to pass through.
	stopGradient bool

	// customVJP can be set for a custom reverse gradient definition for the node.
	customVJP VJP

	trace error // Stack-trace error of where Node was created. Stored if graph.traced is true.
}

// newNode creates and registers a node in the graph.
func newNode(g *Graph, nodeType NodeType, shape shapes.Shape, inputs ...*Node) *Node {
	node := &Node{
		graph:       g,
		nodeType:    nodeType,
		shape:       shape,
		inputNodes:  inputs,
		paramHandle: InvalidParameterHandle,
	}
	g.registerNode(node)
	return node
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Type identify the operation performed by the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Invalid()
	}
	return n.shape
}

// DType returns the DType of the node's shape.
func (n *Node) DType() dtypes.DType { return n.Shape().DType }

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int { return n.Shape().Rank() }

// IsScalar returns whether the node's shape is a scalar.
func (n *Node) IsScalar() bool { return n.Shape().IsScalar() }

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId { return n.id }

// Inputs are the other nodes that are direct inputs to the node.
// This doesn't include static inputs for some operations that are not given by other Graph nodes.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// AssertValid panics if `n` is nil, or if its graph is invalid.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	n.graph.AssertValid()
}

// GetParameterHandle returns the parameter id in the graph.
// It panics if node is not a parameter.
func (n *Node) GetParameterHandle() ParameterHandle {
	n.AssertValid()
	if n.nodeType != NodeTypeParameter {
		exceptions.Panicf("node %s is not a Parameter node", n.nodeType)
	}
	return n.paramHandle
}

// ParameterName returns the parameter name.
// If node is not a parameter, it panics.
func (n *Node) ParameterName() string {
	n.AssertValid()
	if n.nodeType != NodeTypeParameter {
		exceptions.Panicf("trying to get ParameterName of a non-parameter node %q", n.nodeType)
	}
	return n.paramName
}

// SetLogged indicates that a node should be logged by executors, with the given message.
func (n *Node) SetLogged(message string) {
	n.logMessage = message
}

// SetLoggedf indicates that a node should be logged by executors, with the given formatted message.
func (n *Node) SetLoggedf(format string, args ...any) {
	n.SetLogged(fmt.Sprintf(format, args...))
}

// IsLogged returns whether node is marked to be logged.
func (n *Node) IsLogged() bool { return n.logMessage != "" }

// LogMessage associated with node, if any.
func (n *Node) LogMessage() string { return n.logMessage }

// StopGradient returns whether no gradient is back-propagated through the node.
func (n *Node) StopGradient() bool { return n.stopGradient }

// SetCustomGradient sets a custom VJP function to be used instead of the default one for the node type.
func (n *Node) SetCustomGradient(vjpFn VJP) { n.customVJP = vjpFn }

// Trace returns stack-trace in form of an error, of when the node was created.
// Only available if enabled by `Graph.SetTraced(true)`.
func (n *Node) Trace() error { return n.trace }

// String implements the `fmt.Stringer` interface.
// Logged nodes are marked with (*).
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var parts []string
	switch n.nodeType {
	case NodeTypeParameter:
		parts = append(parts, fmt.Sprintf("name=%q", n.paramName))
	case NodeTypeConstant:
		if len(n.constValues) <= MaxSizeToPrint {
			parts = append(parts, fmt.Sprintf("value=%v", n.constValues))
		} else {
			parts = append(parts, fmt.Sprintf("value=[%d values]", len(n.constValues)))
		}
	case NodeTypeReduceSum:
		parts = append(parts, fmt.Sprintf("axes=%v", n.axes))
	}
	for _, input := range n.inputNodes {
		parts = append(parts, fmt.Sprintf("#%d", input.id))
	}
	str := fmt.Sprintf("#%d %s(%s) -> %s", n.id, n.nodeType, strings.Join(parts, ", "), n.shape)
	if n.stopGradient {
		str += " [StopGradient]"
	}
	if n.IsLogged() {
		str = "(*) " + str + ": " + n.logMessage
	}
	return str
}
