// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"slices"

	"github.com/gomlx/splitbn/pkg/core/shapes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is a logical tensor whose batch axis (axis 0) is sharded across the replicas of a DeviceMesh.
//
// Shard i holds the i-th contiguous block of the batch, and all shards have the same shape.
type Tensor struct {
	mesh   *DeviceMesh
	shards []*tensors.Tensor
}

// New creates a Tensor from the given shards, one per replica of the mesh, in mesh order.
func New(mesh *DeviceMesh, shards []*tensors.Tensor) (*Tensor, error) {
	if len(shards) != mesh.NumDevices() {
		return nil, errors.Errorf("number of shards (%d) does not match number of devices in mesh (%d)",
			len(shards), mesh.NumDevices())
	}
	for ii, shard := range shards {
		if !shard.Ok() {
			return nil, errors.Errorf("shard #%d is nil or invalid", ii)
		}
		if shard.IsScalar() {
			return nil, errors.Errorf("shard #%d is a scalar, it must have a batch axis", ii)
		}
		if !shard.Shape().Equal(shards[0].Shape()) {
			return nil, errors.Errorf("shard #%d has shape %s, different from shard #0 shape %s",
				ii, shard.Shape(), shards[0].Shape())
		}
	}
	return &Tensor{mesh: mesh, shards: slices.Clone(shards)}, nil
}

// ShardTensor splits t along its batch axis in mesh.NumDevices() contiguous shards of equal size.
//
// It returns an error if the batch size is not divisible by the number of devices.
func ShardTensor(t *tensors.Tensor, mesh *DeviceMesh) (*Tensor, error) {
	shards, err := tensors.SplitBatch(t, mesh.NumDevices())
	if err != nil {
		return nil, errors.WithMessagef(err, "sharding tensor %s over %s", t.Shape(), mesh)
	}
	return &Tensor{mesh: mesh, shards: shards}, nil
}

// Mesh returns the DeviceMesh for this tensor.
func (dt *Tensor) Mesh() *DeviceMesh {
	return dt.mesh
}

// Shards returns the shards, in mesh order.
func (dt *Tensor) Shards() []*tensors.Tensor {
	return dt.shards
}

// Shard returns the shard of the replica at the given mesh position.
func (dt *Tensor) Shard(position int) *tensors.Tensor {
	return dt.shards[position]
}

// ShardShape returns the shape of each shard.
func (dt *Tensor) ShardShape() shapes.Shape {
	return dt.shards[0].Shape()
}

// Shape returns the logical, unsharded shape of the tensor.
func (dt *Tensor) Shape() shapes.Shape {
	shape := dt.ShardShape().Clone()
	shape.Dimensions[0] *= len(dt.shards)
	return shape
}

// Merge concatenates the shards back into the logical tensor.
func (dt *Tensor) Merge() (*tensors.Tensor, error) {
	return tensors.ConcatenateBatch(dt.shards)
}
