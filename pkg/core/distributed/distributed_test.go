// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"testing"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	mesh, err := NewDeviceMesh(4, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAxisName, mesh.AxisName())
	assert.Equal(t, 4, mesh.NumDevices())
	assert.Equal(t, "DeviceMesh(replica=4)", mesh.String())
	assert.Equal(t, 2, mesh.LogicalDevice(2))

	require.NoError(t, mesh.SetLogicalDeviceAssignment(3, 2, 1, 0))
	assert.Equal(t, 1, mesh.LogicalDevice(2))
	require.Error(t, mesh.SetLogicalDeviceAssignment(0, 1, 1, 2), "duplicate device")
	require.Error(t, mesh.SetLogicalDeviceAssignment(0, 1, 2), "wrong number of devices")
	require.Error(t, mesh.SetLogicalDeviceAssignment(0, 1, 2, 4), "out of range")
	require.NoError(t, mesh.SetLogicalDeviceAssignment())
	assert.Equal(t, 2, mesh.LogicalDevice(2))

	_, err = NewDeviceMesh(0, "")
	require.Error(t, err)
	for _, name := range []string{"0replica", "replica-1", "réplica"} {
		_, err = NewDeviceMesh(2, name)
		require.Error(t, err, "axis name %q", name)
	}
	assert.True(t, IsNameValid("gpu_0"))
}

func TestShardTensor(t *testing.T) {
	mesh, err := NewDeviceMesh(2, "replica")
	require.NoError(t, err)
	tensor := tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}})

	dt, err := ShardTensor(tensor, mesh)
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 2), dt.Shape())
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 2), dt.ShardShape())
	require.Len(t, dt.Shards(), 2)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, dt.Shard(0).Value())
	assert.Equal(t, [][]float32{{5, 6}, {7, 8}}, dt.Shard(1).Value())

	merged, err := dt.Merge()
	require.NoError(t, err)
	assert.True(t, merged.Equal(tensor))

	mesh3, err := NewDeviceMesh(3, "")
	require.NoError(t, err)
	_, err = ShardTensor(tensor, mesh3)
	require.Error(t, err, "batch of 4 can't be split in 3")
}

func TestNew(t *testing.T) {
	mesh, err := NewDeviceMesh(2, "")
	require.NoError(t, err)
	dt, err := New(mesh, []*tensors.Tensor{
		tensors.FromValue([][]float64{{1, 2, 3}}),
		tensors.FromValue([][]float64{{4, 5, 6}}),
	})
	require.NoError(t, err)
	merged, err := dt.Merge()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, merged.Value())

	_, err = New(mesh, []*tensors.Tensor{tensors.FromValue([][]float64{{1, 2, 3}})})
	require.Error(t, err, "missing shard")
	_, err = New(mesh, []*tensors.Tensor{
		tensors.FromValue([][]float64{{1, 2, 3}}),
		tensors.FromValue([][]float64{{4, 5}}),
	})
	require.Error(t, err, "shards with different shapes")
}
