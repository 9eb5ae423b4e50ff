// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "fmt"

// HookContext identifies one hook invocation point inside one process.
// It is comparable; two contexts are equal when all four fields are.
type HookContext struct {
	PID  uint32
	Addr uint64
	Ctx  uint64 // first value on the stack at the hook, usually the return address
	Ctx2 uint64 // hook-specific subcontext, 0 by default
}

func (hc HookContext) String() string {
	return fmt.Sprintf("%d:%#x:%#x:%#x", hc.PID, hc.Addr, hc.Ctx, hc.Ctx2)
}

// EmbedSettings are applied to each process when it connects.
type EmbedSettings struct {
	TimeoutMs          uint32 // how long the hook waits for a translation
	FontCharset        uint8
	FontCharsetEnabled bool
	FontFamily         string // empty keeps the game's font
	DisplayMode        int32
	FastSkipIgnore     bool
}
