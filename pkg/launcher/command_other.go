// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package launcher

import (
	"fmt"
	"os/exec"
	"strings"
)

// buildCommand splits arg into argv with shell-style quoting.
func buildCommand(exe string, arg *string) (*exec.Cmd, error) {
	if arg == nil {
		return exec.Command(exe), nil
	}
	args, err := parseCommand(*arg)
	if err != nil {
		return nil, err
	}
	return exec.Command(exe, args...), nil
}

// parseCommand parses a command string into arguments.
// Handles quoted strings and basic escaping.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)
	pending := false

	runes := []rune(strings.TrimSpace(command))

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
				pending = true
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case (r == ' ' || r == '\t') && !inQuote:
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			pending = true
		default:
			current.WriteRune(r)
			pending = true
		}
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}
	if pending {
		args = append(args, current.String())
	}

	return args, nil
}
