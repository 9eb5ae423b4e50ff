// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows && amd64

package vhost

import (
	"testing"
	"unsafe"

	"github.com/mbeema/vpatch/pkg/hook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestCallbackArguments(t *testing.T) {
	text, err := windows.UTF16PtrFromString("こんにちは")
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", utf16At(uintptr(unsafe.Pointer(text))))
	assert.Empty(t, utf16At(0))

	hc := hook.HookContext{PID: 4242, Addr: 0x4A5B60, Ctx: 0x401000, Ctx2: 7}
	tp := toThreadParam(hc)
	got := threadParamAt(uintptr(unsafe.Pointer(&tp)))
	assert.Equal(t, hc, got.context())
}
