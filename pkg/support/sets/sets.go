// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a generic Set as a map[T]struct{}.
package sets

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set, optionally reserving space for size elements.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith returns a Set with the given keys.
func MakeWith[T comparable](keys ...T) Set[T] {
	s := Make[T](len(keys))
	for _, key := range keys {
		s.Insert(key)
	}
	return s
}

// Has returns whether key is in the Set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert key in the Set. It returns false if key was already present.
func (s Set[T]) Insert(key T) bool {
	if s.Has(key) {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Remove key from the Set. It returns false if key was not present.
func (s Set[T]) Remove(key T) bool {
	if !s.Has(key) {
		return false
	}
	delete(s, key)
	return true
}

// All iterates over the keys of the Set, in no particular order.
func (s Set[T]) All() iter.Seq[T] {
	return maps.Keys(s)
}

// Sub returns s - s2: the keys in s that are not in s2.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	sub := Make[T]()
	for key := range s {
		if !s2.Has(key) {
			sub.Insert(key)
		}
	}
	return sub
}

// Equal returns whether s and s2 have the same keys.
func (s Set[T]) Equal(s2 Set[T]) bool {
	return len(s) == len(s2) && len(s.Sub(s2)) == 0
}

// Sorted returns the keys of s in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(s.All())
}
