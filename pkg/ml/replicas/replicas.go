// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package replicas runs a split batch normalization layer data-parallel over a group of replicas.
//
// The global batch is sharded contiguously over the replicas (see distributed.ShardTensor), and each replica
// normalizes its shard with its own split batch moments, concurrently. The running statistics follow the
// "merged" policy: the moments of all replicas are merged into the moments of the global batch, and the
// Tracker is updated once per step with them, by the coordinator (Group.TrainStep).
package replicas

import (
	"fmt"

	"github.com/gomlx/splitbn/pkg/core/distributed"
	. "github.com/gomlx/splitbn/pkg/core/graph"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/context"
	"github.com/gomlx/splitbn/pkg/ml/layers/splitbn"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Group of replicas sharing one split batch normalization layer.
//
// It's safe for concurrent use, but a step is only accepted once: see TrainStep.
type Group struct {
	id    string
	ctx   *context.Context
	layer *splitbn.Layer
	mesh  *distributed.DeviceMesh

	trainExec, inferExec *context.Exec
}

// StepResult holds the results of a training step.
type StepResult struct {
	// Output is the normalized global batch: the concatenation of the outputs of the replicas.
	Output *tensors.Tensor

	// ReplicaMoments are the batch moments of each replica, in mesh order.
	ReplicaMoments []splitbn.Moments

	// Moments of the global batch, used to update the running statistics.
	Moments splitbn.Moments
}

// New creates a group of numReplicas replicas of the given layer, whose variables are in ctx.
func New(ctx *context.Context, layer *splitbn.Layer, numReplicas int) (*Group, error) {
	mesh, err := distributed.NewDeviceMesh(numReplicas, distributed.DefaultAxisName)
	if err != nil {
		return nil, errors.Wrap(splitbn.ErrInvalidConfiguration, err.Error())
	}
	if layer == nil {
		return nil, errors.Wrap(splitbn.ErrInvalidConfiguration, "replicas require a layer")
	}
	grp := &Group{
		id:    uuid.NewString(),
		ctx:   ctx,
		layer: layer,
		mesh:  mesh,
	}
	grp.trainExec, err = context.NewExec(ctx, func(_ *context.Context, x *Node) (*Node, *Node, *Node) {
		return layer.ApplyLocal(x)
	})
	if err != nil {
		return nil, err
	}
	grp.trainExec.SetName(fmt.Sprintf("replicas[%s].train", grp.id))
	grp.inferExec, err = context.NewExec(ctx, func(_ *context.Context, x *Node) *Node {
		return layer.Apply(x, splitbn.Inference)
	})
	if err != nil {
		return nil, err
	}
	grp.inferExec.SetName(fmt.Sprintf("replicas[%s].infer", grp.id))
	klog.V(1).Infof("replicas: group %s with %s for layer %q", grp.id, mesh, layer.Scope())
	return grp, nil
}

// ID is a unique identifier of the group, used in the names of its executors.
func (grp *Group) ID() string { return grp.id }

// NumReplicas in the group.
func (grp *Group) NumReplicas() int { return grp.mesh.NumDevices() }

// Layer normalized by the replicas.
func (grp *Group) Layer() *splitbn.Layer { return grp.layer }

// Mesh returns the topology of the replicas.
func (grp *Group) Mesh() *distributed.DeviceMesh { return grp.mesh }

// shard splits the batch over the replicas, validating the shards against the layer configuration.
func (grp *Group) shard(batch *tensors.Tensor, validateGrouping bool) (*distributed.Tensor, error) {
	if !batch.Ok() {
		return nil, errors.Wrap(splitbn.ErrShapeMismatch, "batch is nil or invalid")
	}
	if batch.IsScalar() {
		return nil, errors.Wrapf(splitbn.ErrShapeMismatch, "batch must have a batch axis, got shape %s", batch.Shape())
	}
	if batch.Shape().Dim(0)%grp.NumReplicas() != 0 {
		return nil, errors.Wrapf(splitbn.ErrInvalidConfiguration, "global batch size %d can't be sharded over %d replicas",
			batch.Shape().Dim(0), grp.NumReplicas())
	}
	sharded, err := distributed.ShardTensor(batch, grp.mesh)
	if err != nil {
		return nil, err
	}
	if validateGrouping {
		if err = grp.layer.Config().ValidateShape(sharded.ShardShape()); err != nil {
			return nil, errors.WithMessagef(err, "replica shard of the global batch %s", batch.Shape())
		}
	}
	return sharded, nil
}

// run executes fn for each replica concurrently, and returns the first error.
func (grp *Group) run(fn func(replica int) error) error {
	var eg errgroup.Group
	for replica := range grp.NumReplicas() {
		eg.Go(func() error {
			if err := fn(replica); err != nil {
				return errors.WithMessagef(err, "replica #%d (device %d)", replica, grp.mesh.LogicalDevice(replica))
			}
			return nil
		})
	}
	return eg.Wait()
}

// TrainStep runs the training step for the global batch: each replica normalizes its shard of the batch with its
// own batch moments, and the running statistics of the layer are updated once with the merged moments of all
// replicas, tagged with step.
//
// The batch size must be divisible by the number of replicas, and the shards by the layer's SplitNum, otherwise
// it fails with splitbn.ErrInvalidConfiguration before any computation. If the running statistics were already
// updated for step (or a later one), it returns an error wrapping context.ErrDuplicateStepUpdate and they are
// left unchanged.
func (grp *Group) TrainStep(step int64, batch *tensors.Tensor) (*StepResult, error) {
	outputs, replicaMoments, err := grp.local(batch)
	if err != nil {
		return nil, err
	}
	result := &StepResult{ReplicaMoments: replicaMoments}
	result.Moments, err = splitbn.MergeMoments(replicaMoments...)
	if err != nil {
		return nil, err
	}
	statsDType := grp.layer.Tracker().Shape().DType
	err = grp.layer.Tracker().Update(step,
		tensors.FromFloat64s(statsDType, result.Moments.Mean, len(result.Moments.Mean)),
		tensors.FromFloat64s(statsDType, result.Moments.Variance, len(result.Moments.Variance)))
	if err != nil {
		return nil, errors.WithMessagef(err, "replicas[%s] step %d", grp.id, step)
	}
	result.Output, err = mergeShards(grp.mesh, outputs)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("replicas[%s]: step %d done, %d replicas, %d elements per feature", grp.id, step,
		len(replicaMoments), result.Moments.Count)
	return result, nil
}

// Moments returns the merged moments of the global batch, computed by the replicas like in TrainStep, but without
// changing the running statistics.
func (grp *Group) Moments(batch *tensors.Tensor) (splitbn.Moments, error) {
	_, replicaMoments, err := grp.local(batch)
	if err != nil {
		return splitbn.Moments{}, err
	}
	return splitbn.MergeMoments(replicaMoments...)
}

// local normalizes each shard of the batch with its own moments, concurrently.
func (grp *Group) local(batch *tensors.Tensor) (outputs []*tensors.Tensor, replicaMoments []splitbn.Moments, err error) {
	sharded, err := grp.shard(batch, true)
	if err != nil {
		return nil, nil, err
	}
	numReplicas := grp.NumReplicas()
	outputs = make([]*tensors.Tensor, numReplicas)
	replicaMoments = make([]splitbn.Moments, numReplicas)
	count := sharded.ShardShape().Size() / grp.layer.FeatureDim()
	err = grp.run(func(replica int) error {
		replicaOutputs, err := grp.trainExec.Exec(sharded.Shard(replica))
		if err != nil {
			return err
		}
		outputs[replica] = replicaOutputs[0]
		replicaMoments[replica], err = splitbn.NewMomentsFromTensors(count, replicaOutputs[1], replicaOutputs[2])
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return outputs, replicaMoments, nil
}

// Infer normalizes the global batch with the running statistics, sharded over the replicas.
// It never changes the running statistics.
func (grp *Group) Infer(batch *tensors.Tensor) (*tensors.Tensor, error) {
	sharded, err := grp.shard(batch, false)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensors.Tensor, grp.NumReplicas())
	err = grp.run(func(replica int) error {
		var err error
		outputs[replica], err = grp.inferExec.Exec1(sharded.Shard(replica))
		return err
	})
	if err != nil {
		return nil, err
	}
	return mergeShards(grp.mesh, outputs)
}

func mergeShards(mesh *distributed.DeviceMesh, shards []*tensors.Tensor) (*tensors.Tensor, error) {
	merged, err := distributed.New(mesh, shards)
	if err != nil {
		return nil, err
	}
	return merged.Merge()
}

// Finalize frees the graphs of the group. It shouldn't be used afterwards.
func (grp *Group) Finalize() {
	grp.trainExec.Finalize()
	grp.inferExec.Finalize()
}
