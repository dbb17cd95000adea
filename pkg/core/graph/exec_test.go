// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func EuclideanDistance(a, b *Node) *Node {
	return Sqrt(ReduceAllSum(Square(Sub(a, b))))
}

func TestExec(t *testing.T) {
	testForDim := func(exec *Exec, dim int) {
		a := make([]float32, dim)
		b := xslices.SliceWithValue(dim, float32(1))
		outputs := exec.MustExec(a, b)
		if len(outputs) != 1 {
			t.Fatalf("Failed to %q.MustExec(), returned %d elements, wanted exactly 1.", exec.Name(), len(outputs))
		}
		got := tensors.ToScalar[float32](outputs[0])
		want := float32(math.Sqrt(float64(dim)))
		require.InDeltaf(t, want, got, xslices.Epsilon, "EuclideanDistance(%v to %v): want %.5f, got %.5f", a, b, want, got)
	}

	t.Run("VariousDims", func(t *testing.T) {
		dist := MustNewExec(EuclideanDistance).SetMaxCache(10)
		fmt.Printf("\tExec name: %s\n", dist.Name())
		for dim := 1; dim <= 5; dim++ {
			testForDim(dist, dim)
		}
	})

	t.Run("InvalidDTypes", func(t *testing.T) {
		dist := MustNewExec(EuclideanDistance)
		a := []float64{0, 0}
		b := []float32{1, 1}
		var results []*tensors.Tensor
		require.Panicsf(t, func() { results = dist.MustExec(a, b) },
			"EuclideanDistance(%v:%v, %v:%v) should have failed, got %+v",
			reflect.TypeOf(a), a, reflect.TypeOf(b), b, results)
	})

	t.Run("InvalidShapes", func(t *testing.T) {
		dist := MustNewExec(EuclideanDistance)
		a := []float32{0, 0, 0}
		b := []float32{1, 1}
		results, err := dist.Exec(a, b)
		require.Errorf(t, err, "EuclideanDistance(%v, %v) should have failed, got %+v", a, b, results)
	})

	t.Run("OutOfCache", func(t *testing.T) {
		dist := MustNewExec(EuclideanDistance).SetMaxCache(10)
		for dim := range 10 {
			testForDim(dist, dim+1)
		}
		a := []float64{0, 0}
		b := []float64{1, 1}
		results, err := dist.Exec(a, b)
		require.Errorf(t, err, "EuclideanDistance(%v, %v) should have failed, got %+v", a, b, results)
		require.ErrorContains(t, err, "maximum cache")
	})

	t.Run("InvalidConversion", func(t *testing.T) {
		dist := MustNewExec(EuclideanDistance)
		a := [][]float32{{0}, {0}, {0}}
		b := [][]float32{{0}, {0}, {0, 1}}
		results, err := dist.Exec(a, b)
		require.Errorf(t, err, "EuclideanDistance(%v, %v) should have failed, got %+v", a, b, results)
	})

	t.Run("WrongNumberOfArguments", func(t *testing.T) {
		dist := MustNewExec(EuclideanDistance)
		_, err := dist.Exec([]float32{1})
		require.Error(t, err)
	})

	t.Run("AddAndSub", func(t *testing.T) {
		addAndSubGraph := func(a, b *Node) (sum, add *Node) {
			return Add(a, b), Sub(a, b)
		}
		addAndSub := MustNewExec(addAndSubGraph)
		a := []float32{2, 2}
		b := []float32{1, 1}
		add, sub, err := addAndSub.Exec2(a, b)
		require.NoError(t, err)
		require.Equal(t, []float32{3, 3}, add.Value())
		require.Equal(t, b, sub.Value())

		_, err = addAndSub.Exec1(a, b)
		require.Error(t, err, "Exec1 should fail for a function with 2 outputs")
	})

	t.Run("MustExecOnce", func(t *testing.T) {
		ones := MustExecOnce(func(g *Graph) *Node { return Ones(g, shapes.Make(dtypes.Float32, 2, 2)) })
		require.Equal(t, [][]float32{{1, 1}, {1, 1}}, ones.Value())
	})
}

func TestNewExecAnyErrors(t *testing.T) {
	_, err := NewExecAny(1)
	require.Error(t, err)
	_, err = NewExecAny(func(x int) *Node { return nil })
	require.Error(t, err)
	_, err = NewExecAny(func(x *Node) {})
	require.Error(t, err)
	_, err = NewExecAny(func(g *Graph, x *Node) *Node { return x })
	require.Error(t, err)
}

const scalarParamName = "scalar"

func addScalarTest(x *Node) *Node {
	sideParam := Parameter(x.Graph(), scalarParamName, shapes.Make(dtypes.Float64))
	return Add(x, sideParam)
}

func TestExecWithSideParams(t *testing.T) {
	scalar := tensors.FromValue(3.0)
	setSideParams := func(g *Graph, inputs []*tensors.Tensor) error {
		node := g.GetParameterByName(scalarParamName)
		inputs[node.GetParameterHandle()] = scalar
		return nil
	}

	addScalar := MustNewExec(addScalarTest).SetSideParamsHook(setSideParams)
	x := []float64{1, 2}
	got := addScalar.MustExec(x)[0]
	require.Equal(t, []float64{4, 5}, got.Value())

	scalar = tensors.FromValue(10.0)
	got, err := addScalar.Exec1(x)
	require.NoError(t, err)
	require.Equal(t, []float64{11, 12}, got.Value())

	x = []float64{0, 1, 2}
	got, err = addScalar.Exec1(x)
	require.NoError(t, err)
	require.Equal(t, []float64{10, 11, 12}, got.Value())

	// Missing side parameter.
	missing := MustNewExec(addScalarTest)
	_, err = missing.Exec(x)
	require.ErrorContains(t, err, "nil or invalid")

	// Failing hook.
	failing := MustNewExec(addScalarTest).SetSideParamsHook(func(*Graph, []*tensors.Tensor) error {
		return errors.New("no variables")
	})
	_, err = failing.Exec(x)
	require.ErrorContains(t, err, "no variables")
}

func sumAllGraph(nodes []*Node) *Node {
	sum := nodes[0]
	for _, node := range nodes[1:] {
		sum = Add(sum, node)
	}
	return sum
}

func addSubGraph(a, b *Node) []*Node {
	return []*Node{
		Add(a, b),
		Sub(a, b),
	}
}

func TestExecWithSlices(t *testing.T) {
	sumAll := MustNewExecAny(sumAllGraph)
	a := [][]float64{{1, 2}, {3, 4}}
	b := [][]float64{{10}, {20}}
	{
		got := sumAll.MustExec(a, b)[0]
		want := [][]float64{{11, 12}, {23, 24}}
		require.Equalf(t, want, got.Value(), "sumAll([%v, %v]): got %v, wanted %v", a, b, got, want)
	}

	c := [][]float64{{100, 101}, {200, 201}}
	{
		got := sumAll.MustExec(a, b, c)[0]
		want := [][]float64{{111, 113}, {223, 225}}
		require.Equalf(t, want, got.Value(), "sumAll([%v, %v, %v]): got %v, wanted %v", a, b, c, got, want)
	}

	addSub := MustNewExecAny(addSubGraph)
	{
		got := addSub.MustExec(c, a)
		want0 := [][]float64{{101, 103}, {203, 205}}
		want1 := [][]float64{{99, 99}, {197, 197}}
		require.Equal(t, want0, got[0].Value())
		require.Equal(t, want1, got[1].Value())
	}

	// Slice of tensors as the only argument of a function taking []*Node.
	got := sumAll.MustExec([]*tensors.Tensor{tensors.FromValue(c), tensors.FromValue(a)})
	require.Equal(t, [][]float64{{101, 103}, {203, 205}}, got[0].Value())
}

func sumWithLoggedFirstNodeGraph(nodes []*Node) *Node {
	nodes[0].SetLogged("first node")
	return sumAllGraph(nodes)
}

func TestExecWithLogger(t *testing.T) {
	sumAll := MustNewExecAny(sumWithLoggedFirstNodeGraph)
	var firstNodeValue *tensors.Tensor
	sumAll.SetNodeLogger(func(_ *Graph, messages []string, values []*tensors.Tensor, nodes []NodeId) {
		if len(messages) != 1 {
			t.Fatalf("Only one node marked for logging, got %d logged nodes", len(messages))
		}
		firstNodeValue = values[0]
		fmt.Printf("\tLogger: (node #%d) %s: %v\n", nodes[0], messages[0], values[0])
	})

	a := [][]float64{{1, 2}, {3, 4}}
	b := [][]float64{{10}, {20}}
	got := sumAll.MustExec(a, b)
	require.Len(t, got, 1, "logged nodes are not returned as outputs")
	require.Equal(t, [][]float64{{11, 12}, {23, 24}}, got[0].Value())
	require.Equal(t, a, firstNodeValue.Value())
}

func TestExecWithNoInputs(t *testing.T) {
	matrixInitFn := MustNewExec(func(g *Graph) *Node {
		return Const(g, [][]float64{{0, 1, 2}, {3, 4, 5}})
	})
	results := matrixInitFn.MustExec()
	assert.Equal(t, [][]float64{{0, 1, 2}, {3, 4, 5}}, results[0].Value())
}

// TestExecUnusedInput checks that it should work if an input is not used in the computation.
func TestExecUnusedInput(t *testing.T) {
	unusedInputFn := MustNewExec(func(x, y *Node) *Node {
		return AddScalar(x, 1)
	})
	got, err := unusedInputFn.Exec1(0.0, 1.0)
	require.NoError(t, err)
	require.Equal(t, 1.0, got.Value())
}

func TestExecInstabilityHandler(t *testing.T) {
	var reported []error
	clip := MustNewExec(func(x *Node) *Node {
		return ClipNonNegative(x)
	}).SetInstabilityHandler(func(err error) { reported = append(reported, err) })

	got := clip.MustExec([]float64{-1e-9, 2, -3})[0]
	require.Equal(t, []float64{0, 2, 0}, got.Value())
	require.Len(t, reported, 1)
	require.True(t, errors.Is(reported[0], ErrNegativeClamped))
	require.ErrorContains(t, reported[0], "2 negative value(s)")
	require.Equal(t, int64(2), clip.NumClamped())

	// Nothing clamped: no report.
	_ = clip.MustExec([]float64{1, 2, 3})
	require.Len(t, reported, 1)
	require.Equal(t, int64(2), clip.NumClamped())
}

func TestGraphRun(t *testing.T) {
	g := NewGraph("run")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 3))
	y := Parameter(g, "y", shapes.Make(dtypes.Float32))
	g.Compile(Mul(x, y), ReduceAllSum(x))

	outputs, err := g.Run(tensors.FromValue([]float32{1, 2, 3}), tensors.FromValue(float32(2)))
	require.NoError(t, err)
	require.Equal(t, []float32{2, 4, 6}, outputs[0].Value())
	require.Equal(t, float32(6), outputs[1].Value())

	_, err = g.Run(tensors.FromValue([]float32{1, 2, 3}))
	require.Error(t, err, "wrong number of inputs")
	_, err = g.Run(tensors.FromValue([]float32{1, 2}), tensors.FromValue(float32(2)))
	require.Error(t, err, "wrong input shape")
	_, err = NewGraph("not-compiled").Run()
	require.Error(t, err)
}

func TestParallelKernels(t *testing.T) {
	const size = 200_000
	values := make([]float64, size)
	for ii := range values {
		values[ii] = float64(ii%97) - 48
	}
	graphFn := func(x *Node) (*Node, *Node) {
		return Mul(ClipNonNegative(x), Reshape(x, size)), ReduceAllSum(x)
	}
	parallel := MustNewExec(graphFn)
	sequential := MustNewExec(graphFn).WithPool(nil)
	p0, p1, err := parallel.Exec2(values)
	require.NoError(t, err)
	s0, s1, err := sequential.Exec2(values)
	require.NoError(t, err)
	require.True(t, p0.Equal(s0))
	require.True(t, p1.Equal(s1))
	require.Equal(t, parallel.NumClamped(), sequential.NumClamped())
}
