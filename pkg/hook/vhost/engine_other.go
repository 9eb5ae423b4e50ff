// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !(windows && amd64)

package vhost

import (
	"fmt"
	"runtime"

	"github.com/mbeema/vpatch/pkg/hook"
	"go.uber.org/zap"
)

// New on platforms other than windows/amd64 always fails with ErrUnavailable.
func New(path string, _ *zap.Logger) (hook.Engine, error) {
	return nil, fmt.Errorf("load %s on %s/%s: %w", path, runtime.GOOS, runtime.GOARCH, ErrUnavailable)
}
