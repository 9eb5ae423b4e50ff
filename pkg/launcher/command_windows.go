// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package launcher

import (
	"os/exec"
	"syscall"
)

// buildCommand hands arg to CreateProcess unchanged as the full command
// line, so quoting follows whatever convention the target expects.
func buildCommand(exe string, arg *string) (*exec.Cmd, error) {
	cmd := exec.Command(exe)
	if arg != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{CmdLine: *arg}
	}
	return cmd, nil
}
