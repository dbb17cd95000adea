// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))

	// No parallelism: runs inline.
	pool.SetMaxParallelism(0)
	var count int
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count)
	assert.False(t, pool.StartIfAvailable(func() {}))
}

func TestPool_ParallelChunks(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 4} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const numItems = 1000
		visited := make([]int32, numItems)
		var numCalls atomic.Int32
		pool.ParallelChunks(numItems, 10, func(start, end int) {
			numCalls.Add(1)
			for ii := start; ii < end; ii++ {
				atomic.AddInt32(&visited[ii], 1)
			}
		})
		for ii, v := range visited {
			if v != 1 {
				t.Fatalf("parallelism=%d: item %d visited %d times", parallelism, ii, v)
			}
		}
		if parallelism == 0 || parallelism == 1 {
			assert.Equal(t, int32(1), numCalls.Load())
		}
	}

	// Small inputs are not split.
	pool := New()
	var calls int
	pool.ParallelChunks(5, 10, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 5, end)
	})
	assert.Equal(t, 1, calls)
}
