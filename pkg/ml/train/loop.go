// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the training steps of a split batch normalization layer over a dataset, with hooks
// for progress reporting and metrics.
package train

import (
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/replicas"
	"github.com/gomlx/splitbn/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. metrics holds the current value of each of Loop.Metrics.
type OnStepFn func(loop *Loop, metrics []float64) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []float64) error

// Loop runs a training loop, invoking replicas.Group.TrainStep every step, tagged with LoopStep, and calling
// the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like progress bars or plots.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Group of replicas trained.
	Group *replicas.Group

	// LoopStep currently being executed. It's also the step used to tag the update of the running statistics.
	// It is initialized with the step following the last update of the running statistics, which is 0 for
	// a new layer.
	LoopStep int64

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int64

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (when
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it is
	// extrapolated after the first epoch.
	EndStep int64

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// LastResult is the result of the last training step.
	LastResult *replicas.StepResult

	// SharedData allows for cross-tools to publish and consume information.
	SharedData map[string]any

	// TrainStepDurations collected during the current run.
	TrainStepDurations []time.Duration

	metrics []metrics.Interface

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the group of replicas, with the given metrics, updated every step.
func NewLoop(grp *replicas.Group, trainMetrics ...metrics.Interface) *Loop {
	return &Loop{
		Group:      grp,
		LoopStep:   grp.Layer().Tracker().LastStep() + 1,
		EndStep:    -1,
		SharedData: make(map[string]any),
		metrics:    trainMetrics,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Metrics updated at every step.
func (loop *Loop) Metrics() []metrics.Interface { return loop.metrics }

// start of loop, called by all looping methods.
func (loop *Loop) start(ds Dataset) error {
	for _, m := range loop.metrics {
		m.Reset()
	}
	loop.TrainStepDurations = nil
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
//
// LoopStep is advanced once TrainStep succeeds, even if a metric or a hook fails afterwards: the running
// statistics were already committed for this step.
func (loop *Loop) step(batch *tensors.Tensor) (values []float64, err error) {
	startTime := time.Now()
	result, err := loop.Group.TrainStep(loop.LoopStep, batch)
	if err != nil {
		return nil, err
	}
	defer func() { loop.LoopStep++ }()
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	loop.LastResult = result
	tracker := loop.Group.Layer().Tracker()
	values = make([]float64, len(loop.metrics))
	for ii, m := range loop.metrics {
		values[ii], err = m.Update(result, tracker)
		if err != nil {
			return nil, err
		}
	}
	return values, loop.postStep(values)
}

// postStep calls the onStep hooks.
// It also checks for non-finite outputs, and returns an error accordingly.
func (loop *Loop) postStep(values []float64) error {
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, values)
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	if loop.LastResult.Output.HasNonFinite() {
		return errors.Errorf("normalized output has NaN or infinite values at step %d, training interrupted",
			loop.LoopStep)
	}
	return nil
}

// end of loop, called by all looping methods.
func (loop *Loop) end(values []float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, values); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the metrics values after the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (values []float64, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + int64(steps)
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.LoopStep < loop.EndStep {
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a different (looping) Dataset, or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		step := loop.LoopStep
		values, err = loop.step(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
				steps, step)
		}
	}
	if err = loop.end(values); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	klog.V(1).Infof("train: ran %d steps over %q, median step duration %s", steps, ds.Name(),
		loop.MedianTrainStepDuration())
	return values, nil
}

// RunEpochs runs those many epochs, that is, it loops over the dataset until io.EOF, epochs times.
//
// EndStep is set to -1 at the start, and adjusted after the first epoch, when one knows how many steps there are
// going to be.
// Dataset.Reset is called after each epoch (including the last).
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (values []float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			batch, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step.
					loop.EndStep = loop.LoopStep + int64(yieldsPerEpoch*(epochs-loop.Epoch-1))
					break
				}
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			step := loop.LoopStep
			values, err = loop.step(batch)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep(LoopStep=%d)",
					epochs, step)
			}
		}
		ds.Reset()
		if yieldsPerEpoch == 0 {
			return nil, errors.Errorf("Loop.RunEpochs(%d): dataset %q yielded no batches in epoch %d",
				epochs, ds.Name(), loop.Epoch)
		}
	}
	if err = loop.end(values); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return values, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each replicas.Group.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
