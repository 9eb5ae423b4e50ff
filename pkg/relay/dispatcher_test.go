// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mbeema/vpatch/pkg/conntrack"
	"github.com/mbeema/vpatch/pkg/health"
	"github.com/mbeema/vpatch/pkg/hook"
	"github.com/mbeema/vpatch/pkg/signature"
	"github.com/mbeema/vpatch/pkg/translation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type delivery struct {
	hc          hook.HookContext
	text, trans string
}

type fakeEngine struct {
	mu         sync.Mutex
	settings   map[uint32]hook.EmbedSettings
	enabled    []hook.HookContext
	deliveries []delivery
	order      []string
	tracker    *conntrack.Tracker
	failEnable bool
}

func newFakeEngine(tracker *conntrack.Tracker) *fakeEngine {
	return &fakeEngine{settings: make(map[uint32]hook.EmbedSettings), tracker: tracker}
}

func (f *fakeEngine) ApplyEmbedSettings(pid uint32, s hook.EmbedSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[pid] = s
	f.order = append(f.order, fmt.Sprintf("settings:%d:connected=%v", pid, f.tracker.IsConnected(pid)))
	return nil
}

func (f *fakeEngine) EnableEmbedding(hc hook.HookContext, enabled bool) error {
	if f.failEnable {
		return errors.New("engine refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, hc)
	return nil
}

func (f *fakeEngine) DeliverTranslation(hc hook.HookContext, text, trans string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{hc: hc, text: text, trans: trans})
	return nil
}

type fixture struct {
	d       *Dispatcher
	engine  *fakeEngine
	tracker *conntrack.Tracker
	store   *translation.Store
	stats   *health.Stats
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, sigs []signature.Signature, dict map[string]string) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	tracker := conntrack.NewTracker()
	engine := newFakeEngine(tracker)
	store := translation.NewStore(dict)
	stats := health.NewStats()
	settings := hook.EmbedSettings{TimeoutMs: 1000, FontCharset: 2, DisplayMode: 1}

	d := NewDispatcher(engine, tracker, signature.NewRegistry(sigs), store, settings, stats, zap.New(core))
	return &fixture{d: d, engine: engine, tracker: tracker, store: store, stats: stats, logs: logs}
}

func TestConnectAppliesSettingsAfterAdd(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.d.OnConnect(100)

	assert.True(t, f.tracker.IsConnected(100))
	require.Equal(t, []string{"settings:100:connected=true"}, f.engine.order)
	assert.Equal(t, uint32(1000), f.engine.settings[100].TimeoutMs)
	assert.Equal(t, uint8(2), f.engine.settings[100].FontCharset)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.stats.Connected))
}

func TestDuplicateConnect(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.d.OnConnect(100)
	f.d.OnConnect(100)

	assert.Equal(t, 1, f.tracker.Count())
	assert.Equal(t, 1, f.logs.FilterMessage("duplicate connect").Len())
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.d.OnConnect(100)
	f.d.OnDisconnect(100)
	f.d.OnDisconnect(100)
	f.d.OnDisconnect(555)

	assert.Equal(t, 0, f.tracker.Count())
	assert.Equal(t, uint64(3), f.tracker.Releases())
	assert.Equal(t, float64(3), testutil.ToFloat64(f.stats.Disconnects))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.stats.Connected))
}

func TestHookInsertSingleMatch(t *testing.T) {
	f := newFixture(t, []signature.Signature{
		{Code: "SIG_A", Addr: 0x1000, Ctx: 1, Ctx2: 2},
	}, nil)
	f.d.OnConnect(100)

	f.d.OnHookInsert(100, 0x1000, "SIG_A")

	require.Len(t, f.engine.enabled, 1)
	assert.Equal(t, hook.HookContext{PID: 100, Addr: 0x1000, Ctx: 1, Ctx2: 2}, f.engine.enabled[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.stats.HooksEmbedded))
}

func TestHookInsertUsesObservedAddress(t *testing.T) {
	f := newFixture(t, []signature.Signature{
		{Code: "SIG_A", Addr: 0x1000, Ctx: 1, Ctx2: 2},
	}, nil)
	f.d.OnConnect(100)

	f.d.OnHookInsert(100, 0x7FF61000, "SIG_A")

	require.Len(t, f.engine.enabled, 1)
	assert.Equal(t, uint64(0x7FF61000), f.engine.enabled[0].Addr)
}

func TestHookInsertMultipleMatches(t *testing.T) {
	f := newFixture(t, []signature.Signature{
		{Code: "SIG_A", Ctx: 1, Ctx2: 2},
		{Code: "SIG_B", Ctx: 3, Ctx2: 4},
		{Code: "SIG_A", Ctx: 5, Ctx2: 6},
	}, nil)
	f.d.OnConnect(7)

	f.d.OnHookInsert(7, 0x20, "SIG_A")

	assert.Equal(t, []hook.HookContext{
		{PID: 7, Addr: 0x20, Ctx: 1, Ctx2: 2},
		{PID: 7, Addr: 0x20, Ctx: 5, Ctx2: 6},
	}, f.engine.enabled)
}

func TestHookInsertNoMatch(t *testing.T) {
	f := newFixture(t, []signature.Signature{{Code: "SIG_A"}}, nil)
	f.d.OnConnect(100)

	f.d.OnHookInsert(100, 0x1000, "sig_a")

	assert.Empty(t, f.engine.enabled)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.stats.HooksSeen))
}

func TestHookInsertEngineError(t *testing.T) {
	f := newFixture(t, []signature.Signature{{Code: "SIG_A"}}, nil)
	f.engine.failEnable = true
	f.d.OnConnect(100)

	f.d.OnHookInsert(100, 0x1000, "SIG_A")

	assert.Equal(t, float64(1), testutil.ToFloat64(f.stats.EngineErrors))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.stats.HooksEmbedded))
}

func TestEmbedTextTranslation(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"Hello": "こんにちは"})
	f.d.OnConnect(100)
	hc := hook.HookContext{PID: 100, Addr: 0x1000, Ctx: 1, Ctx2: 2}

	f.d.OnEmbedText("Hello", hc)
	f.d.OnEmbedText("Bye", hc)
	f.d.OnEmbedText("Bye", hc)

	assert.Equal(t, []delivery{
		{hc: hc, text: "Hello", trans: "こんにちは"},
		{hc: hc, text: "Bye", trans: ""},
		{hc: hc, text: "Bye", trans: ""},
	}, f.engine.deliveries)
	assert.Equal(t, []string{"Bye"}, f.store.Misses())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.stats.TextsTranslated))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.stats.TextsUntranslated))
}

func TestEventBeforeConnectIsLogged(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"Hello": "こんにちは"})

	f.d.OnEmbedText("Hello", hook.HookContext{PID: 9})

	require.Len(t, f.engine.deliveries, 1)
	assert.Equal(t, 1, f.logs.FilterMessage("event for process that is not connected").Len())
}

func TestSetEmbedSettings(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.d.OnConnect(1)

	f.d.SetEmbedSettings(hook.EmbedSettings{TimeoutMs: 3000, FontFamily: "Noto Sans"})
	f.d.OnConnect(2)

	assert.Equal(t, uint32(1000), f.engine.settings[1].TimeoutMs)
	assert.Equal(t, uint32(3000), f.engine.settings[2].TimeoutMs)
	assert.Equal(t, "Noto Sans", f.d.EmbedSettings().FontFamily)
}

func TestConcurrentEvents(t *testing.T) {
	f := newFixture(t, []signature.Signature{{Code: "SIG_A", Ctx: 1}}, map[string]string{"hit": "ok"})

	var wg sync.WaitGroup
	for p := uint32(1); p <= 8; p++ {
		wg.Add(1)
		go func(pid uint32) {
			defer wg.Done()
			f.d.OnConnect(pid)
			for i := 0; i < 100; i++ {
				f.d.OnHookInsert(pid, uint64(i), "SIG_A")
				f.d.OnEmbedText("hit", hook.HookContext{PID: pid})
				f.d.OnEmbedText(fmt.Sprintf("miss-%d", i%10), hook.HookContext{PID: pid})
			}
			f.d.OnDisconnect(pid)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 0, f.tracker.Count())
	assert.Len(t, f.engine.enabled, 800)
	assert.Len(t, f.engine.deliveries, 1600)
	assert.Equal(t, 10, f.store.MissCount())
}
