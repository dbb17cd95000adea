// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for the paths of files written or read by the command-line tools.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ReplaceTildeInDir replaces a leading "~" or "~user" by the corresponding home directory.
// Other paths are returned unchanged.
//
// It returns an error if the user is unknown.
func ReplaceTildeInDir(dir string) (string, error) {
	rest, found := strings.CutPrefix(dir, "~")
	if !found {
		return dir, nil
	}
	userName, subPath, _ := strings.Cut(rest, "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, subPath), nil
}

// PrepareOutputFile expands "~" in filePath and creates its parent directory if needed.
// It returns the expanded path.
func PrepareOutputFile(filePath string) (string, error) {
	filePath, err := ReplaceTildeInDir(filePath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q for %q", dir, filePath)
	}
	return filePath, nil
}
