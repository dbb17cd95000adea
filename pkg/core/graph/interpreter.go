// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNegativeClamped is reported (not returned) when a quantity that should be non-negative
// is found negative and clamped to 0. See ClipNonNegative.
var ErrNegativeClamped = errors.New("numerical instability")

// minParallelChunk is the minimum number of elements handled by one goroutine in element-wise kernels.
const minParallelChunk = 32 * 1024

// interpret evaluates every node needed by the outputs, in the order they were created, and returns the outputs.
//
// All values are computed in float64 and rounded to the dtype of each node after every operation.
// Kernels never modify their inputs, so values can be shared across nodes (e.g. by Reshape).
func (g *Graph) interpret(inputs []*tensors.Tensor) []*tensors.Tensor {
	values := make([][]float64, len(g.nodes))
	for _, node := range g.nodes {
		if !g.needed[node.id] {
			continue
		}
		values[node.id] = g.evalNode(node, values, inputs)
		if len(values[node.id]) != node.shape.Size() {
			exceptions.Panicf("node %s evaluated to %d values, expected %d", node, len(values[node.id]), node.shape.Size())
		}
	}
	outputs := make([]*tensors.Tensor, len(g.outputs))
	for ii, output := range g.outputs {
		outputs[ii] = tensors.FromFloat64s(output.DType(), values[output.id], output.shape.Dimensions...)
	}
	return outputs
}

func (g *Graph) evalNode(node *Node, values [][]float64, inputs []*tensors.Tensor) []float64 {
	switch node.nodeType {
	case NodeTypeParameter:
		return inputs[node.paramHandle].Float64s()
	case NodeTypeConstant:
		return node.constValues
	case NodeTypeIdentity, NodeTypeReshape:
		return values[node.inputNodes[0].id]
	case NodeTypeReduceSum:
		return reduceSumKernel(node, values[node.inputNodes[0].id])
	case NodeTypeBroadcastToShape:
		x := node.inputNodes[0]
		out := make([]float64, node.shape.Size())
		g.broadcastKernel(x.shape, node.shape, values[x.id], out)
		return out
	case NodeTypeClipNonNegative:
		return g.clipNonNegativeKernel(node, values[node.inputNodes[0].id])
	}
	if node.nodeType.IsUnary() {
		return g.unaryKernel(node, values[node.inputNodes[0].id])
	}
	if node.nodeType.IsBinary() {
		return g.binaryKernel(node, values[node.inputNodes[0].id], values[node.inputNodes[1].id])
	}
	exceptions.Panicf("no kernel for node %s", node)
	return nil
}

func unaryFn(nodeType NodeType) func(x float64) float64 {
	switch nodeType {
	case NodeTypeConvertDType:
		return func(x float64) float64 { return x }
	case NodeTypeNeg:
		return func(x float64) float64 { return -x }
	case NodeTypeSqrt:
		return math.Sqrt
	case NodeTypeInverse:
		return func(x float64) float64 { return 1.0 / x }
	case NodeTypeNonNegativeIndicator:
		return func(x float64) float64 {
			if x >= 0 {
				return 1
			}
			return 0
		}
	}
	exceptions.Panicf("%s is not an unary node type", nodeType)
	return nil
}

func (g *Graph) unaryKernel(node *Node, x []float64) []float64 {
	fn := unaryFn(node.nodeType)
	dtype := node.DType()
	out := make([]float64, len(x))
	g.pool.ParallelChunks(len(x), minParallelChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			out[ii] = dtype.Round(fn(x[ii]))
		}
	})
	return out
}

// clipNonNegativeKernel clamps negative values to 0, and reports them as a numerical instability.
func (g *Graph) clipNonNegativeKernel(node *Node, x []float64) []float64 {
	out := make([]float64, len(x))
	var mu sync.Mutex
	var numClamped int64
	mostNegative := 0.0
	g.pool.ParallelChunks(len(x), minParallelChunk, func(start, end int) {
		var chunkClamped int64
		chunkMin := 0.0
		for ii := start; ii < end; ii++ {
			v := x[ii]
			if v < 0 {
				chunkClamped++
				chunkMin = min(chunkMin, v)
				v = 0
			}
			out[ii] = v
		}
		if chunkClamped > 0 {
			mu.Lock()
			numClamped += chunkClamped
			mostNegative = min(mostNegative, chunkMin)
			mu.Unlock()
		}
	})
	if numClamped > 0 {
		g.numClamped.Add(numClamped)
		err := errors.Wrapf(ErrNegativeClamped, "graph %q node #%d: %d negative value(s) clamped to 0 (most negative %g)",
			g.name, node.id, numClamped, mostNegative)
		klog.Warningf("%v", err)
		if g.instabilityHandler != nil {
			g.instabilityHandler(err)
		}
	}
	return out
}

func binaryFn(nodeType NodeType) func(x, y float64) float64 {
	switch nodeType {
	case NodeTypeAdd:
		return func(x, y float64) float64 { return x + y }
	case NodeTypeSub:
		return func(x, y float64) float64 { return x - y }
	case NodeTypeMul:
		return func(x, y float64) float64 { return x * y }
	case NodeTypeDiv:
		return func(x, y float64) float64 { return x / y }
	}
	exceptions.Panicf("%s is not a binary node type", nodeType)
	return nil
}

func (g *Graph) binaryKernel(node *Node, x, y []float64) []float64 {
	fn := binaryFn(node.nodeType)
	dtype := node.DType()
	lhs, rhs := node.inputNodes[0], node.inputNodes[1]
	out := make([]float64, node.shape.Size())
	if lhs.shape.Equal(node.shape) && rhs.shape.Equal(node.shape) {
		g.pool.ParallelChunks(len(out), minParallelChunk, func(start, end int) {
			for ii := start; ii < end; ii++ {
				out[ii] = dtype.Round(fn(x[ii], y[ii]))
			}
		})
		return out
	}
	g.pool.ParallelChunks(len(out), minParallelChunk, func(start, end int) {
		lhsIter := newBroadcastIterator(lhs.shape, node.shape, start)
		rhsIter := newBroadcastIterator(rhs.shape, node.shape, start)
		for ii := start; ii < end; ii++ {
			out[ii] = dtype.Round(fn(x[lhsIter.Next()], y[rhsIter.Next()]))
		}
	})
	return out
}

func (g *Graph) broadcastKernel(inShape, outShape shapes.Shape, in, out []float64) {
	g.pool.ParallelChunks(len(out), minParallelChunk, func(start, end int) {
		it := newBroadcastIterator(inShape, outShape, start)
		for ii := start; ii < end; ii++ {
			out[ii] = in[it.Next()]
		}
	})
}

// reduceSumKernel scans the input in row-major order accumulating into the output position.
// It is sequential, so the summation order (and hence the rounding) is deterministic.
func reduceSumKernel(node *Node, x []float64) []float64 {
	input := node.inputNodes[0]
	out := make([]float64, node.shape.Size())
	outStrides := node.shape.Strides()
	mapStrides := make([]int, input.Rank())
	outAxis := 0
	for axis := range mapStrides {
		if isReducedAxis(node.axes, axis) {
			continue
		}
		mapStrides[axis] = outStrides[outAxis]
		outAxis++
	}
	it := &broadcastIterator{
		dims:    input.shape.Dimensions,
		strides: mapStrides,
		counter: make([]int, input.Rank()),
	}
	for _, v := range x {
		out[it.Next()] += v
	}
	dtype := node.DType()
	for ii, v := range out {
		out[ii] = dtype.Round(v)
	}
	return out
}

func isReducedAxis(axes []int, axis int) bool {
	for _, a := range axes {
		if a == axis {
			return true
		}
	}
	return false
}

// broadcastIterator iterates over the positions of a target shape in row-major order, returning the
// corresponding flat index of a source whose axes are mapped by strides (0 for broadcast axes).
type broadcastIterator struct {
	dims    []int
	strides []int
	counter []int
	flatIdx int
}

// newBroadcastIterator creates an iterator over outShape positions, starting at the flat position start,
// mapping to the flat index in an operand of shape inShape broadcast to outShape.
func newBroadcastIterator(inShape, outShape shapes.Shape, start int) *broadcastIterator {
	rank := outShape.Rank()
	it := &broadcastIterator{
		dims:    outShape.Dimensions,
		strides: make([]int, rank),
		counter: make([]int, rank),
	}
	if !inShape.IsScalar() {
		inStrides := inShape.Strides()
		for axis, dim := range inShape.Dimensions {
			if dim != 1 {
				it.strides[axis] = inStrides[axis]
			}
		}
	}
	for axis := rank - 1; axis >= 0 && start > 0; axis-- {
		it.counter[axis] = start % it.dims[axis]
		start /= it.dims[axis]
		it.flatIdx += it.counter[axis] * it.strides[axis]
	}
	return it
}

// Next returns the current source index, and advances the iterator.
func (it *broadcastIterator) Next() int {
	current := it.flatIdx
	for axis := len(it.dims) - 1; axis >= 0; axis-- {
		it.counter[axis]++
		it.flatIdx += it.strides[axis]
		if it.counter[axis] < it.dims[axis] {
			break
		}
		it.flatIdx -= it.strides[axis] * it.dims[axis]
		it.counter[axis] = 0
	}
	return current
}
