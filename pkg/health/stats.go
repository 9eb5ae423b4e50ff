// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vpatch"

// Stats tracks self-monitoring counters for the agent. Each Stats owns its
// registry so several agents (and tests) can run in one process.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry

	Connects          prometheus.Counter
	Disconnects       prometheus.Counter
	Connected         prometheus.Gauge
	InjectRequests    prometheus.Counter
	InjectErrors      prometheus.Counter
	HooksSeen         prometheus.Counter
	HooksEmbedded     prometheus.Counter
	TextsTranslated   prometheus.Counter
	TextsUntranslated prometheus.Counter
	EngineErrors      prometheus.Counter
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	s := &Stats{
		startTime: time.Now(),
		registry:  reg,
	}
	f := promauto.With(reg)

	s.Connects = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "process_connects_total",
		Help: "Injected processes that connected",
	})
	s.Disconnects = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "process_disconnects_total",
		Help: "Disconnect events, including synthesized ones for dead processes",
	})
	s.Connected = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "processes_connected",
		Help: "Processes currently connected",
	})
	s.InjectRequests = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "inject_requests_total",
		Help: "Injection requests handed to the hook engine",
	})
	s.InjectErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "inject_errors_total",
		Help: "Injection requests the hook engine rejected",
	})
	s.HooksSeen = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "hooks_seen_total",
		Help: "Hook insertion events received",
	})
	s.HooksEmbedded = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "hooks_embedded_total",
		Help: "Enable-embedding calls issued for matching hook signatures",
	})
	s.TextsTranslated = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "texts_translated_total",
		Help: "Captured texts found in the dictionary",
	})
	s.TextsUntranslated = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "texts_untranslated_total",
		Help: "Captured texts missing from the dictionary",
	})
	s.EngineErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "engine_errors_total",
		Help: "Calls into the hook engine that returned an error",
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Agent uptime in seconds",
	}, func() float64 { return s.Uptime().Seconds() })

	return s
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Registry returns the registry all counters are registered with.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}
