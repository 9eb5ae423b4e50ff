// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows && amd64

package vhost

import (
	"fmt"
	"os"
	"path/filepath"
)

// Detect checks whether the VHost library is present in dir.
func Detect(dir string) Support {
	path := filepath.Join(dir, DLLName())
	info, err := os.Stat(path)
	if err != nil {
		return Support{Reason: fmt.Sprintf("%s not found in %s", DLLName(), dir)}
	}
	if info.IsDir() {
		return Support{Reason: fmt.Sprintf("%s is a directory", path)}
	}
	return Support{Available: true, Path: path}
}
