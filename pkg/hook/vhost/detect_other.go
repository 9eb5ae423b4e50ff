// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !(windows && amd64)

package vhost

import (
	"fmt"
	"runtime"
)

// Detect on platforms other than windows/amd64 always reports unavailable.
func Detect(_ string) Support {
	return Support{
		Reason: fmt.Sprintf("vhost not supported on %s/%s (requires windows/amd64)", runtime.GOOS, runtime.GOARCH),
	}
}
