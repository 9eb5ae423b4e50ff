// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package relay routes hook engine events: it tracks which processes are
// connected, turns on embedding for configured hook signatures and answers
// captured text with its translation.
package relay

import (
	"sync/atomic"

	"github.com/mbeema/vpatch/pkg/conntrack"
	"github.com/mbeema/vpatch/pkg/health"
	"github.com/mbeema/vpatch/pkg/hook"
	"github.com/mbeema/vpatch/pkg/signature"
	"github.com/mbeema/vpatch/pkg/translation"
	"go.uber.org/zap"
)

// Embedder is the part of hook.Engine the dispatcher calls back into.
type Embedder interface {
	ApplyEmbedSettings(pid uint32, s hook.EmbedSettings) error
	EnableEmbedding(hc hook.HookContext, enabled bool) error
	DeliverTranslation(hc hook.HookContext, text, translation string) error
}

// Dispatcher implements hook.Handler. Its methods are called concurrently
// from the engine's threads.
type Dispatcher struct {
	engine   Embedder
	tracker  *conntrack.Tracker
	registry *signature.Registry
	store    *translation.Store
	stats    *health.Stats
	logger   *zap.Logger

	settings atomic.Pointer[hook.EmbedSettings]
}

var _ hook.Handler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. settings are applied to every process
// that connects until SetEmbedSettings replaces them.
func NewDispatcher(
	engine Embedder,
	tracker *conntrack.Tracker,
	registry *signature.Registry,
	store *translation.Store,
	settings hook.EmbedSettings,
	stats *health.Stats,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		tracker:  tracker,
		registry: registry,
		store:    store,
		stats:    stats,
		logger:   logger.With(zap.String("component", "relay")),
	}
	d.settings.Store(&settings)
	return d
}

// SetEmbedSettings replaces the settings applied to processes that connect
// from now on. Already connected processes keep theirs.
func (d *Dispatcher) SetEmbedSettings(s hook.EmbedSettings) {
	d.settings.Store(&s)
}

// EmbedSettings returns the settings currently applied on connect.
func (d *Dispatcher) EmbedSettings() hook.EmbedSettings {
	return *d.settings.Load()
}

// OnConnect registers pid and then applies the embed settings. The add comes
// first so a disconnect racing the settings call still finds the pid.
func (d *Dispatcher) OnConnect(pid uint32) {
	if !d.tracker.Connect(pid) {
		d.logger.Warn("duplicate connect", zap.Uint32("pid", pid))
	}
	d.stats.Connects.Inc()
	d.stats.Connected.Set(float64(d.tracker.Count()))

	s := d.EmbedSettings()
	if err := d.engine.ApplyEmbedSettings(pid, s); err != nil {
		d.stats.EngineErrors.Inc()
		d.logger.Warn("apply embed settings failed", zap.Uint32("pid", pid), zap.Error(err))
	}

	d.logger.Info("process connected",
		zap.Uint32("pid", pid),
		zap.Int("connected", d.tracker.Count()),
	)
}

// OnDisconnect removes pid and wakes drain waiters. Unknown pids are fine.
func (d *Dispatcher) OnDisconnect(pid uint32) {
	known := d.tracker.Disconnect(pid)
	d.stats.Disconnects.Inc()
	d.stats.Connected.Set(float64(d.tracker.Count()))

	if !known {
		d.logger.Debug("disconnect for unknown process", zap.Uint32("pid", pid))
		return
	}
	d.logger.Info("process disconnected",
		zap.Uint32("pid", pid),
		zap.Int("connected", d.tracker.Count()),
	)
}

// OnHookInsert enables embedding once per configured signature whose code
// equals code, using the observed address and the signature's contexts.
func (d *Dispatcher) OnHookInsert(pid uint32, addr uint64, code string) {
	d.checkConnected(pid, "hook insert")
	d.stats.HooksSeen.Inc()

	matches := d.registry.Match(code)
	if len(matches) == 0 {
		d.logger.Debug("hook not monitored", zap.Uint32("pid", pid), zap.String("code", code))
		return
	}

	for _, sig := range matches {
		hc := hook.HookContext{PID: pid, Addr: addr, Ctx: sig.Ctx, Ctx2: sig.Ctx2}
		if err := d.engine.EnableEmbedding(hc, true); err != nil {
			d.stats.EngineErrors.Inc()
			d.logger.Warn("enable embedding failed", zap.Stringer("hook", hc), zap.Error(err))
			continue
		}
		d.stats.HooksEmbedded.Inc()
		d.logger.Info("embedding enabled", zap.Stringer("hook", hc), zap.String("code", code))
	}
}

// OnEmbedText answers text with its translation, or with an empty string
// after recording the miss.
func (d *Dispatcher) OnEmbedText(text string, hc hook.HookContext) {
	d.checkConnected(hc.PID, "embed text")

	trans, ok := d.store.Lookup(text)
	if ok {
		d.stats.TextsTranslated.Inc()
	} else {
		d.stats.TextsUntranslated.Inc()
	}

	if err := d.engine.DeliverTranslation(hc, text, trans); err != nil {
		d.stats.EngineErrors.Inc()
		d.logger.Warn("deliver translation failed", zap.Stringer("hook", hc), zap.Error(err))
	}
}

// checkConnected logs events for processes the tracker does not know. The
// engine promises connect first and disconnect last; a violation is
// reported and the event is still handled.
func (d *Dispatcher) checkConnected(pid uint32, event string) {
	if !d.tracker.IsConnected(pid) {
		d.logger.Warn("event for process that is not connected",
			zap.String("event", event),
			zap.Uint32("pid", pid),
		)
	}
}
