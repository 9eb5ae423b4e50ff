// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "context"

// Handler receives events raised by injected processes. The engine calls it
// from its own goroutines or native threads, possibly concurrently for
// different processes.
//
// For a given pid the engine raises OnConnect first and OnDisconnect last;
// hook and text events for that pid arrive in between.
type Handler interface {
	// OnConnect is raised once the hook module inside pid is ready.
	OnConnect(pid uint32)

	// OnDisconnect is raised when the hook module inside pid goes away.
	OnDisconnect(pid uint32)

	// OnHookInsert is raised when a hook with the given code is inserted at
	// addr inside pid.
	OnHookInsert(pid uint32, addr uint64, code string)

	// OnEmbedText is raised when an embedded hook produced text and waits for
	// DeliverTranslation with the same context.
	OnEmbedText(text string, hc HookContext)
}

// Engine is the interface for hook engines. Implementations include the VHost
// DLL engine (Windows), the unix datagram socket manager and a stub.
type Engine interface {
	// Start begins delivering events to h.
	Start(ctx context.Context, h Handler) error

	// Stop shuts down the engine and releases resources.
	Stop() error

	// Inject requests that the hook module be loaded into pid. It does not
	// wait for the injection to succeed; success shows up as OnConnect.
	Inject(pid uint32, basePath string) error

	// ApplyEmbedSettings configures embedding behavior for a connected pid.
	ApplyEmbedSettings(pid uint32, s EmbedSettings) error

	// EnableEmbedding turns text replacement on or off for one hook context.
	EnableEmbedding(hc HookContext, enabled bool) error

	// DeliverTranslation answers an OnEmbedText event. An empty translation
	// leaves the original text in place.
	DeliverTranslation(hc HookContext, text, translation string) error

	// Name returns the engine name (e.g., "vhost", "socket", "stub").
	Name() string
}
