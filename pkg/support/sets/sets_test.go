// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	assert.True(t, s.Insert(7))
	assert.True(t, s.Insert(3))
	assert.False(t, s.Insert(3), "3 was already in the set")
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))
	assert.Equal(t, []int{3, 7}, Sorted(s))

	s2 := MakeWith(5, 7)
	assert.Equal(t, []int{3}, Sorted(s.Sub(s2)))
	assert.False(t, s.Equal(s2))

	assert.True(t, s.Remove(7))
	assert.False(t, s.Remove(7))
	assert.True(t, s.Equal(MakeWith(3)))
	assert.False(t, s.Equal(MakeWith(-3)))

	count := 0
	for range s2.All() {
		count++
	}
	assert.Equal(t, 2, count)
}
