// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/vpatch/pkg/config"
	"github.com/mbeema/vpatch/pkg/conntrack"
	"github.com/mbeema/vpatch/pkg/discovery"
	"github.com/mbeema/vpatch/pkg/health"
	"github.com/mbeema/vpatch/pkg/hook"
	"github.com/mbeema/vpatch/pkg/launcher"
	"github.com/mbeema/vpatch/pkg/relay"
	"github.com/mbeema/vpatch/pkg/signature"
	"github.com/mbeema/vpatch/pkg/translation"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint.
var Version = "dev"

// fontCharsetShiftJIS is the GDI charset the hook engine is given on connect.
const fontCharsetShiftJIS = 2

// ProcessFinder locates processes by name and checks pid liveness.
type ProcessFinder interface {
	FindByName(ctx context.Context, names ...string) ([]uint32, error)
	Alive(pid uint32) bool
}

// Agent owns one patch run: it launches the target, injects into it and its
// siblings, relays their text through the dictionary and writes unmatched
// text back when every injected process is gone.
type Agent struct {
	cfg      atomic.Pointer[config.Config]
	dictPath string // the dictionary the store was loaded from
	logger   *zap.Logger

	engine       hook.Engine
	store        *translation.Store
	registry     *signature.Registry
	tracker      *conntrack.Tracker
	dispatcher   *relay.Dispatcher
	finder       ProcessFinder
	launcher     *launcher.Launcher
	healthStats  *health.Stats
	healthServer *health.Server

	mu      sync.Mutex
	proc    *launcher.Process
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// Option customizes an Agent built by NewWithEngine.
type Option func(*Agent)

// WithFinder replaces the OS process finder.
func WithFinder(f ProcessFinder) Option {
	return func(a *Agent) { a.finder = f }
}

// New creates an agent with the engine selected by hook.engine.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	engine, err := selectEngine(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("select hook engine: %w", err)
	}
	return NewWithEngine(cfg, engine, logger)
}

// NewWithEngine creates an agent driving engine. The dictionary is loaded
// here; a malformed file is an error, a missing one starts empty.
func NewWithEngine(cfg *config.Config, engine hook.Engine, logger *zap.Logger, opts ...Option) (*Agent, error) {
	store, err := translation.Load(cfg.TranslationFile)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}

	a := &Agent{
		dictPath:    cfg.TranslationFile,
		logger:      logger,
		engine:      engine,
		store:       store,
		registry:    signature.NewRegistry(cfg.EmbedHook),
		tracker:     conntrack.NewTracker(),
		healthStats: health.NewStats(),
	}
	a.cfg.Store(cfg)

	for _, opt := range opts {
		opt(a)
	}
	if a.finder == nil {
		a.finder = discovery.NewFinder(logger)
	}

	a.dispatcher = relay.NewDispatcher(
		engine, a.tracker, a.registry, a.store,
		embedSettings(cfg.EmbedSettings), a.healthStats, logger,
	)
	a.launcher = launcher.New(engine, a.finder, cfg.Hook.BasePath, a.healthStats, logger)

	return a, nil
}

// embedSettings derives the per-process settings from configuration.
func embedSettings(c config.EmbedSettingsConfig) hook.EmbedSettings {
	font := ""
	if c.ChangeFont {
		font = c.ChangeFontFont
	}
	return hook.EmbedSettings{
		TimeoutMs:          uint32(math.Round(c.TimeoutTranslate * 1000)),
		FontCharset:        fontCharsetShiftJIS,
		FontCharsetEnabled: false,
		FontFamily:         font,
		DisplayMode:        c.DisplayMode,
		FastSkipIgnore:     false,
	}
}

// Start starts the engine with the dispatcher as its handler, then the
// optional health server and the reaper. An engine that fails to start is
// fatal.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	cfg := a.cfg.Load()

	if err := a.engine.Start(ctx, a.dispatcher); err != nil {
		cancel()
		return fmt.Errorf("start %s engine: %w", a.engine.Name(), err)
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, Version, a.healthStats, a.logger)
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start", zap.Error(err))
			a.healthServer = nil
		} else {
			a.healthServer.SetStatus(a.status)
			a.healthServer.SetReady(true)
		}
	}

	if cfg.ReapInterval > 0 {
		a.wg.Add(1)
		go a.reapLoop(ctx, cfg.ReapInterval)
	}

	a.logger.Info("agent started",
		zap.String("engine", a.engine.Name()),
		zap.Int("signatures", a.registry.Len()),
		zap.Int("dictionary_entries", a.store.Len()),
	)
	return nil
}

// Run launches the target, waits inject_timeout for it to spawn helpers and
// requests injection into every process named like target_exe or
// target_exe2.
func (a *Agent) Run(ctx context.Context) error {
	cfg := a.cfg.Load()

	proc, err := a.launcher.Launch(cfg.TargetExe, cfg.StartupArgument)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()

	if err := launcher.Settle(ctx, cfg.InjectDelay()); err != nil {
		return err
	}

	n := a.launcher.InjectAll(ctx, cfg.TargetNames())
	a.logger.Info("injection requested", zap.Int("processes", n))
	return nil
}

// Wait blocks until the launched target has exited and then until every
// connected process has disconnected. With a background context both
// phases are unbounded.
func (a *Agent) Wait(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return errors.New("target not launched")
	}

	if err := proc.Wait(ctx); err != nil {
		return err
	}

	if n := a.tracker.Count(); n > 0 {
		a.logger.Info("target exited, waiting for injected processes",
			zap.Int("connected", n),
			zap.Uint32s("pids", a.tracker.PIDs()),
		)
	}
	return a.tracker.WaitDrained(ctx)
}

// Stop tears the run down: it stops the engine so no more text arrives,
// writes the dictionary if any text was missing from it, and stops the
// background loops. A dictionary write failure is returned for the caller
// to report; everything else is already shut down by then.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	if err := a.engine.Stop(); err != nil {
		a.logger.Warn("engine stop failed", zap.Error(err))
	}

	written, err := a.store.Persist(a.dictPath)

	a.logger.Info("agent stopped",
		zap.Int("untranslated", a.store.MissCount()),
		zap.Bool("dictionary_written", written),
		zap.Int("still_connected", a.tracker.Count()),
	)

	if err != nil {
		return fmt.Errorf("write dictionary %s: %w", a.dictPath, err)
	}
	return nil
}

// Reload applies a new configuration. Embed settings take effect for
// processes that connect afterwards; target, engine and dictionary changes
// need a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	oldCfg := a.cfg.Load()
	a.cfg.Store(cfg)

	a.dispatcher.SetEmbedSettings(embedSettings(cfg.EmbedSettings))

	if oldCfg.TargetExe != cfg.TargetExe || oldCfg.Hook != cfg.Hook {
		a.logger.Warn("target and hook changes apply on the next run")
	}
	if cfg.TranslationFile != a.dictPath {
		a.logger.Warn("translation_file changes apply on the next run",
			zap.String("in_use", a.dictPath),
			zap.String("configured", cfg.TranslationFile),
		)
	}

	a.logger.Info("configuration reloaded",
		zap.Float64("timeout_translate", cfg.EmbedSettings.TimeoutTranslate),
		zap.Bool("changefont", cfg.EmbedSettings.ChangeFont),
		zap.Int32("displaymode", cfg.EmbedSettings.DisplayMode),
	)
	return nil
}

// Tracker exposes the connection tracker.
func (a *Agent) Tracker() *conntrack.Tracker {
	return a.tracker
}

// Store exposes the translation store.
func (a *Agent) Store() *translation.Store {
	return a.store
}

// status snapshots the run for the health server.
func (a *Agent) status() health.Status {
	st := health.Status{
		Engine:            a.engine.Name(),
		Target:            a.cfg.Load().TargetExe,
		DictionaryEntries: a.store.Len(),
		Untranslated:      a.store.MissCount(),
	}
	for _, pid := range a.tracker.PIDs() {
		if info := a.tracker.Lookup(pid); info != nil {
			st.Processes = append(st.Processes, health.ProcessStatus{PID: pid, ConnectedAt: info.ConnectTime})
		}
	}
	return st
}

// reapLoop disconnects processes that died without saying so, so a crashed
// injected process cannot keep Wait blocked.
func (a *Agent) reapLoop(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.reap()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) reap() int {
	reaped := 0
	for _, pid := range a.tracker.PIDs() {
		if a.finder.Alive(pid) {
			continue
		}
		a.logger.Warn("process exited without disconnecting", zap.Uint32("pid", pid))
		a.dispatcher.OnDisconnect(pid)
		reaped++
	}
	return reaped
}
