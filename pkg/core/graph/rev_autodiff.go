// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/pkg/errors"
)

// This file implements reverse-mode automatic differentiation, using AccumulatedVJP (Vector Jacobian Product).
//
// Conventions used:
//
//   - root node: the scalar output of the graph we want the gradient of.
//   - selected gradient nodes: the nodes with respect to which we want the gradient of the root.
//   - VJP / adjoint: the accumulated reverse gradient of the root node with respect to the current node.
//     They are generated in reverse order, from the root back to the graph inputs.

// reverseGraph stores information of the Graph in reverse order.
type reverseGraph struct {
	Graph *Graph
	Root  *Node

	ReverseNodes []*reverseNode
}

type reverseNode struct {
	Node *Node

	// Consumers is the list of nodes that use the output of this node.
	Consumers []*reverseNode

	// Selected indicates whether this is one of the nodes for which we want the gradient.
	Selected bool

	// Included is true for nodes the root depends on.
	Included bool

	// Useful is true when this node is in a path from the root to one of the selected nodes.
	Useful bool

	// AccumulatedVJP is the gradient of the root with respect to the output of this node: the sum of the
	// VJPs back-propagated by all its consumers.
	AccumulatedVJP *Node
}

// Gradient creates new nodes for the gradients of the output with respect to each node in gradientNodes.
// The output must be a float scalar.
//
// If there is no path from output to one of the gradientNodes (or it is blocked by StopGradient), its gradient
// is zero.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allInputNodes := make([]*Node, 0, len(gradientNodes)+1)
	allInputNodes = append(allInputNodes, output)
	allInputNodes = append(allInputNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputNodes...)

	outputShape := output.Shape()
	if outputShape.Rank() > 0 || !outputShape.DType.IsFloat() {
		exceptions.Panicf("only gradients of a float scalar are accepted, got output shape %s", outputShape)
	}

	rg := newReverseGraph(g, output, gradientNodes)
	rOutput := rg.ReverseNodes[output.Id()]
	rOutput.AccumulatedVJP = ScalarOne(g, outputShape.DType)

	needGradientForNode := func(node *Node) bool {
		if node.stopGradient {
			return false
		}
		rNode := rg.ReverseNodes[node.Id()]
		return rNode.Included && rNode.Useful
	}

	// Nodes are ordered according to the DAG: by the time a node is visited, all its consumers have already
	// pushed their VJPs into it.
	for nodeIdx := output.Id(); nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := rg.ReverseNodes[nodeIdx]
		if !needGradientForNode(node) || rNode.AccumulatedVJP == nil {
			continue
		}
		needInputs := false
		for _, input := range node.Inputs() {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}

		vjpFn := node.customVJP
		if vjpFn == nil {
			var ok bool
			vjpFn, ok = VJPRegistration[node.Type()]
			if !ok {
				exceptions.Panicf("graph has node %s, for which no gradient is defined, cannot generate graph gradient", node)
			}
		}
		inputsVJPs := vjpFn(node, []*Node{rNode.AccumulatedVJP}, outputShape)
		if len(inputsVJPs) != len(node.Inputs()) {
			exceptions.Panicf("VJP(%s) returned %d VJPs, but it has %d inputs", node, len(inputsVJPs), len(node.Inputs()))
		}
		for ii, input := range node.Inputs() {
			vjp := inputsVJPs[ii]
			if vjp == nil {
				continue
			}
			if !vjp.Shape().Equal(input.Shape()) {
				if node.Trace() != nil {
					_, _ = fmt.Fprintf(os.Stderr, "Trace for node in error: %s\n%+v\n\n", node, node.Trace())
				}
				exceptions.Panicf("invalid Gradient calculation for node %s: VJP for input #%d has shape %s, wanted %s",
					node, ii, vjp.Shape(), input.Shape())
			}
			rInput := rg.ReverseNodes[input.Id()]
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				rInput.AccumulatedVJP = Add(rInput.AccumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		rNode := rg.ReverseNodes[node.Id()]
		if rNode.AccumulatedVJP == nil {
			gradients[ii] = ZerosLike(node)
		} else {
			gradients[ii] = rNode.AccumulatedVJP
		}
	}
	return gradients
}

func newReverseGraph(g *Graph, root *Node, gradientNodes []*Node) *reverseGraph {
	numNodes := len(g.nodes)
	rg := &reverseGraph{
		Graph:        g,
		Root:         root,
		ReverseNodes: make([]*reverseNode, numNodes),
	}
	for ii, node := range g.nodes {
		rg.ReverseNodes[ii] = &reverseNode{Node: node}
	}
	for ii, node := range g.nodes {
		rNode := rg.ReverseNodes[ii]
		for _, input := range node.inputNodes {
			rInput := rg.ReverseNodes[input.Id()]
			rInput.Consumers = append(rInput.Consumers, rNode)
		}
	}
	recursivePathFromRoot(rg, root)
	for _, selected := range gradientNodes {
		rNode := rg.ReverseNodes[selected.Id()]
		rNode.Selected = true
		recursiveMarkAsUseful(rg, rNode)
	}
	return rg
}

// recursivePathFromRoot marks nodes and its inputs recursively as Included.
func recursivePathFromRoot(rg *reverseGraph, node *Node) {
	rNode := rg.ReverseNodes[node.Id()]
	if rNode.Included {
		return
	}
	rNode.Included = true
	for _, input := range node.inputNodes {
		recursivePathFromRoot(rg, input)
	}
}

func recursiveMarkAsUseful(rg *reverseGraph, rNode *reverseNode) {
	if !rNode.Included || rNode.Useful {
		return
	}
	rNode.Useful = true
	for _, consumer := range rNode.Consumers {
		recursiveMarkAsUseful(rg, consumer)
	}
}

// VJP returns the $v \dot Jacobian$ of the given node, with respect to each of its inputs (given by node.Inputs()).
//
// vjpOutputs holds the adjoint of the node's output (there is only one output per node), and outputShape is
// the shape of the value we are calculating the gradient for (always a scalar for now).
//
// It must return one adjoint per input, with the input's shape, or nil for inputs that don't take gradients.
type VJP func(node *Node, vjpOutputs []*Node, outputShape shapes.Shape) []*Node

// SingleOutputVJP for VJP of ops that have a single output.
type SingleOutputVJP func(node, v *Node, outputShape shapes.Shape) []*Node

// vjpForSingleOutput is simple converter from SingleOutputVJP to generic VJP.
func vjpForSingleOutput(vjpFn SingleOutputVJP) VJP {
	return func(node *Node, vjpOutputs []*Node, outputShape shapes.Shape) []*Node {
		return vjpFn(node, vjpOutputs[0], outputShape)
	}
}

// VJPRegistration maps each node type to its implementation of VJP.
// For experimentation one can change it dynamically, or set a custom VJP per node with Node.SetCustomGradient.
var VJPRegistration = map[NodeType]VJP{
	NodeTypeConstant:             vjpForSingleOutput(nilVJP),
	NodeTypeParameter:            vjpForSingleOutput(nilVJP),
	NodeTypeIdentity:             vjpForSingleOutput(noOpVJP),
	NodeTypeConvertDType:         vjpForSingleOutput(convertDTypeVJP),
	NodeTypeNeg:                  vjpForSingleOutput(negVJP),
	NodeTypeSqrt:                 vjpForSingleOutput(sqrtVJP),
	NodeTypeInverse:              vjpForSingleOutput(inverseVJP),
	NodeTypeClipNonNegative:      vjpForSingleOutput(clipNonNegativeVJP),
	NodeTypeNonNegativeIndicator: vjpForSingleOutput(zeroVJP),
	NodeTypeAdd:                  vjpForSingleOutput(addVJP),
	NodeTypeSub:                  vjpForSingleOutput(subVJP),
	NodeTypeMul:                  vjpForSingleOutput(mulVJP),
	NodeTypeDiv:                  vjpForSingleOutput(divVJP),
	NodeTypeReduceSum:            vjpForSingleOutput(reduceSumVJP),
	NodeTypeReshape:              vjpForSingleOutput(reshapeVJP),
	NodeTypeBroadcastToShape:     vjpForSingleOutput(broadcastToShapeVJP),
}

// nilVJP returns no gradient, for nodes without inputs.
func nilVJP(_, _ *Node, _ shapes.Shape) []*Node {
	return nil
}

// noOpVJP works for anything that has no impact on the gradient.
func noOpVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{v}
}

// zeroVJP is used for ops that don't back-propagate any gradient.
func zeroVJP(node, _ *Node, _ shapes.Shape) []*Node {
	return make([]*Node, len(node.inputNodes))
}

// vjpForDefaultBroadcast returns the VJP of the default broadcasting on operations like Add, Mul, Sub, etc.
// It is a reduce-sum of the broadcast dimensions.
func vjpForDefaultBroadcast(node, input, v *Node) *Node {
	_ = validateBuildingGraphFromInputs(node, input, v)
	if input.Shape().Equal(node.Shape()) {
		return v
	} else if input.IsScalar() {
		return ReduceAllSum(v)
	}

	// Reduce-sum on the axes that are 1 in the input and > 1 in the output.
	var reduceAxes []int
	for ii, dim := range input.Shape().Dimensions {
		if dim == 1 && v.Shape().Dimensions[ii] > 1 {
			reduceAxes = append(reduceAxes, ii)
		}
	}
	reduced := ReduceSum(v, reduceAxes...)
	var vjp *Node
	err := exceptions.TryCatch[error](func() {
		vjp = ReshapeWithShape(reduced, input.Shape())
	})
	if err != nil {
		panic(errors.WithMessagef(err, "AutoGrad: calculating the VJP of a broadcast: v.Shape()=%s, input.Shape()=%s",
			v.Shape(), input.Shape()))
	}
	return vjp
}

// convertDTypeVJP converts the adjoint back to the dtype of the input.
func convertDTypeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{ConvertDType(v, node.inputNodes[0].DType())}
}

func negVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Neg(v)}
}

// sqrtVJP: d(sqrt(x))/dx = 0.5/sqrt(x)
func sqrtVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Div(MulScalar(v, 0.5), node)}
}

// inverseVJP: d(1/x)/dx = -1/x^2
func inverseVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Neg(Mul(v, Square(node)))}
}

// clipNonNegativeVJP passes the gradient only where the input wasn't clamped.
func clipNonNegativeVJP(node, v *Node, _ shapes.Shape) []*Node {
	x := node.inputNodes[0]
	return []*Node{Mul(v, NonNegativeIndicator(x))}
}

func addVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], v),
		vjpForDefaultBroadcast(node, node.inputNodes[1], v),
	}
}

func subVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], v),
		vjpForDefaultBroadcast(node, node.inputNodes[1], Neg(v)),
	}
}

func mulVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	return []*Node{
		vjpForDefaultBroadcast(node, x, Mul(v, y)),
		vjpForDefaultBroadcast(node, y, Mul(v, x)),
	}
}

// divVJP: for z = x/y, dz/dx = 1/y and dz/dy = -z/y.
func divVJP(node, v *Node, _ shapes.Shape) []*Node {
	x, y := node.inputNodes[0], node.inputNodes[1]
	vOverY := Div(v, y)
	return []*Node{
		vjpForDefaultBroadcast(node, x, vOverY),
		vjpForDefaultBroadcast(node, y, Neg(Mul(vOverY, node))),
	}
}

// reduceSumVJP broadcasts the adjoint back over the reduced axes.
func reduceSumVJP(node, v *Node, _ shapes.Shape) []*Node {
	x := node.inputNodes[0]
	keptShape := x.Shape().Clone()
	for _, axis := range node.axes {
		keptShape.Dimensions[axis] = 1
	}
	return []*Node{BroadcastToShape(ReshapeWithShape(v, keptShape), x.Shape())}
}

func reshapeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{ReshapeWithShape(v, node.inputNodes[0].Shape())}
}

func broadcastToShapeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{vjpForDefaultBroadcast(node, node.inputNodes[0], v)}
}
