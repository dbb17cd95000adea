// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// SyncMap wraps sync.Map with typed keys and values.
//
// The zero value is ready to use, and it should not be copied after first use.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored for key, and whether it was present.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

// LoadOrStore returns the existing value for key if present, otherwise it stores value and returns it.
// loaded is true if the value was already present.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// Delete deletes the value for key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// Range calls fn for each key and value present in the map, until fn returns false.
func (m *SyncMap[K, V]) Range(fn func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return fn(key.(K), value.(V))
	})
}

// Clear removes all entries.
func (m *SyncMap[K, V]) Clear() {
	m.m.Clear()
}
