// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/splitbn/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "split_num", 1)
	p.Set("/", "epsilon", 1e-5)
	p.Set("/", "decay", 0.1)
	p.Set("/res1", "split_num", 4)
	p.Set("/res1/bn", "decay", 0.05)

	value, found := p.Get("/res1/bn", "decay")
	require.True(t, found)
	assert.Equal(t, 0.05, value)

	value, found = p.Get("/res1/bn", "split_num")
	require.True(t, found)
	assert.Equal(t, 4, value)

	value, found = p.Get("/res1/bn", "epsilon")
	require.True(t, found)
	assert.Equal(t, 1e-5, value)

	_, found = p.Get("/res1/bn", "missing")
	assert.False(t, found)

	// Scopes never set fall back to the root.
	value, found = p.Get("/x/y/z", "split_num")
	require.True(t, found)
	assert.Equal(t, 1, value)

	// Clone is independent.
	clone := p.Clone()
	clone.Set("/", "split_num", 8)
	value, _ = p.Get("/", "split_num")
	assert.Equal(t, 1, value)

	p.Delete("/res1", "split_num")
	value, _ = p.Get("/res1/bn", "split_num")
	assert.Equal(t, 1, value)

	type entry struct {
		scope, key string
		value any
	}
	var got []entry
	p.Enumerate(func(scope, key string, value any) {
		got = append(got, entry{scope, key, value})
	})
	want := []entry{
		{"/", "decay", 0.1},
		{"/", "epsilon", 1e-5},
		{"/", "split_num", 1},
		{"/res1/bn", "decay", 0.05},
	}
	require.Equal(t, want, got)
}
