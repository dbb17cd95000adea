// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for _, tc := range []struct{ input, want string }{
		{"", ""},
		{"/tmp/x", "/tmp/x"},
		{"rel/x", "rel/x"},
		{"~", usr.HomeDir},
		{"~/stats.npz", filepath.Join(usr.HomeDir, "stats.npz")},
		{"~" + usr.Username, usr.HomeDir},
		{"~" + usr.Username + "/a/b", filepath.Join(usr.HomeDir, "a/b")},
	} {
		got, err := ReplaceTildeInDir(tc.input)
		require.NoError(t, err, "input %q", tc.input)
		assert.Equal(t, tc.want, got, "input %q", tc.input)
	}

	_, err = ReplaceTildeInDir("~no_such_user_for_fsutil_test/x")
	require.Error(t, err)
}

func TestPrepareOutputFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "a", "b", "plot.png")
	got, err := PrepareOutputFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, filePath, got)
	info, err := os.Stat(filepath.Dir(filePath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
