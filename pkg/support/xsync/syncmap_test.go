// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMap(t *testing.T) {
	var m SyncMap[int, string]
	_, ok := m.Load(1)
	require.False(t, ok)

	var wg sync.WaitGroup
	for ii := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.LoadOrStore(ii%4, "first")
		}()
	}
	wg.Wait()

	count := 0
	m.Range(func(key int, value string) bool {
		assert.Equal(t, "first", value)
		count++
		return true
	})
	assert.Equal(t, 4, count)

	m.Store(0, "second")
	v, ok := m.Load(0)
	require.True(t, ok)
	assert.Equal(t, "second", v)

	m.Delete(0)
	_, ok = m.Load(0)
	assert.False(t, ok)

	m.Clear()
	_, ok = m.Load(1)
	assert.False(t, ok)
}
