// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/gomlx/splitbn/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset is a wrapper around a train.Dataset that parallelizes calls to Yield.
// See details in CustomParallel.
type ParallelDataset struct {
	Dataset train.Dataset

	// name is set by default to the underlying dataset name.
	name string

	// parallelism is the number of goroutines started generating batches.
	parallelism int

	// extraBufferSize is the size of the buffer of pre-generated batches.
	extraBufferSize int

	// impl is the actual implementation.
	impl *parallelDatasetImpl
}

var _ train.Dataset = (*ParallelDataset)(nil)

// parallelDatasetImpl separates the implementation of ParallelDataset.
type parallelDatasetImpl struct {
	config ParallelDataset

	err   error
	muErr sync.Mutex

	buffer                                chan *tensors.Tensor
	epochFinished, stopEpoch, stopDataset chan struct{}

	// running counts the goroutines of all epochs.
	running sync.WaitGroup
}

// Parallel parallelizes yield calls of any thread-safe train.Dataset.
//
// It uses CustomParallel and automatically starts it with the default parameters.
//
// To avoid leaking goroutines, call ParallelDataset.Done when exiting.
//
// The order of the yields is not preserved.
func Parallel(ds train.Dataset) *ParallelDataset {
	pds := CustomParallel(ds)
	return pds.Buffer(pds.parallelism).Start()
}

// CustomParallel builds a ParallelDataset that can be used to parallelize any
// train.Dataset, as long as the underlying dataset ds is thread-safe.
//
// ParallelDataset can be further configured (see Parallelism and Buffer),
// and then one has to call Start before actually using the Dataset.
//
// Example:
//
//	ds := datasets.CustomParallel(gaussian).Buffer(10).Start()
//	defer ds.Done()
//	_, err := loop.RunSteps(ds, 1000)
func CustomParallel(ds train.Dataset) *ParallelDataset {
	pd := &ParallelDataset{
		name:    ds.Name(),
		Dataset: ds,
	}
	pd.Parallelism(0)
	return pd
}

// Parallelism is the number of goroutines to start, each calling `ds.Yield()` in parallel
// to accelerate the generation of batches. If set to 0 (the default), it will use the
// number of cores in the system plus 1.
//
// This must be called before a call to Start.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	if n == 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// WithName sets the name of the parallel dataset. It defaults to the original dataset name.
func (pd *ParallelDataset) WithName(name string) *ParallelDataset {
	pd.name = name
	return pd
}

// Buffer reserved in the channel that collects the parallel yields.
//
// This must be called before a call to Start.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	pd.extraBufferSize = n
	return pd
}

// Start indicates that the dataset is finished to be configured, and starts
// being a valid Dataset. After Start its configuration can no longer be changed.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once!?")
		return pd
	}
	impl := &parallelDatasetImpl{
		buffer:      make(chan *tensors.Tensor, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
		config:      *pd,
	}
	pd.impl = impl
	impl.startGoRoutines()
	return pd
}

func (impl *parallelDatasetImpl) startGoRoutines() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	stopEpoch := impl.stopEpoch
	var wg sync.WaitGroup
	for range impl.config.parallelism {
		wg.Add(1)
		impl.running.Add(1)
		go func() {
			defer impl.running.Done()
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
				}
				batch, err := impl.config.Dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					klog.Errorf("ParallelDataset(%q): %+v", impl.config.name, err)
					impl.fail(err)
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.buffer <- batch:
				}
			}
		}()
	}

	// Controller: signals the end of the epoch.
	epochFinished := impl.epochFinished
	go func() {
		wg.Wait()
		close(epochFinished)
	}()
}

// fail stops the dataset with err: the following calls to Yield return it.
func (impl *parallelDatasetImpl) fail(err error) {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	if impl.err != nil {
		return
	}
	impl.err = err
	close(impl.stopDataset)
}

// Name implements train.Dataset.
func (pd *ParallelDataset) Name() string {
	return pd.name
}

// Done stops the parallel dataset and waits for its goroutines to finish.
func (pd *ParallelDataset) Done() {
	impl := pd.impl
	if impl == nil {
		return
	}
	pd.impl = nil
	impl.muErr.Lock()
	select {
	case <-impl.stopDataset:
	default:
		close(impl.stopDataset)
	}
	impl.muErr.Unlock()
	impl.running.Wait()
}

// Reset implements train.Dataset.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("ParallelDataset.Reset was called before it was started with ParallelDataset.Start or after ParallelDataset.Done")
		return
	}

	select {
	case <-impl.stopDataset:
		return
	default:
	}

	// Stop generating data, and drain whatever is still in the buffer.
	close(impl.stopEpoch)
drainDataset:
	for {
		select {
		case <-impl.stopDataset:
			return
		case <-impl.epochFinished:
			break drainDataset
		case <-impl.buffer:
		}
	}
	// Drain batches sent before the epoch finished.
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}

	impl.config.Dataset.Reset()
	impl.startGoRoutines()
}

// Yield implements train.Dataset.
func (pd *ParallelDataset) Yield() (batch *tensors.Tensor, err error) {
	impl := pd.impl
	if impl == nil {
		return nil, errors.Errorf("ParallelDataset.Yield was called before it was started with ParallelDataset.Start or after it was stopped with ParallelDataset.Done")
	}
	select {
	case <-impl.stopDataset:
		impl.muErr.Lock()
		err = impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = errors.Errorf("ParallelDataset(%q) was stopped", pd.name)
		}
		return nil, err
	case batch = <-impl.buffer:
		return batch, nil
	case <-impl.epochFinished:
		// No more batches being produced until Reset, but the buffer may still hold some.
		select {
		case batch = <-impl.buffer:
			return batch, nil
		default:
			return nil, io.EOF
		}
	}
}
