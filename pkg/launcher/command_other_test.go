// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "-windowed", []string{"-windowed"}},
		{"spaces", "  -a   -b  ", []string{"-a", "-b"}},
		{"double quotes", `--save "My Saves/slot 1"`, []string{"--save", "My Saves/slot 1"}},
		{"single quotes", `'a b' c`, []string{"a b", "c"}},
		{"nested quote", `"it's"`, []string{"it's"}},
		{"escape", `a\ b`, []string{"a b"}},
		{"empty quoted", `"" x`, []string{"", "x"}},
		{"tabs", "a\tb", []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandUnclosedQuote(t *testing.T) {
	_, err := parseCommand(`"unterminated`)
	assert.Error(t, err)
}

func TestBuildCommandNoArgument(t *testing.T) {
	cmd, err := buildCommand("/usr/bin/game", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/game"}, cmd.Args)
}

func TestBuildCommandArgument(t *testing.T) {
	arg := `-lang "ja jp"`
	cmd, err := buildCommand("/usr/bin/game", &arg)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/game", "-lang", "ja jp"}, cmd.Args)
}
