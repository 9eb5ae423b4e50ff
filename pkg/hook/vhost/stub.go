// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package vhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbeema/vpatch/pkg/hook"
	"go.uber.org/zap"
)

// StubEngine is a no-op engine for systems where no injection backend is
// usable. The agent still starts, launches the target and waits for it to
// exit; no process ever connects, so nothing is translated.
type StubEngine struct {
	reason string
	logger *zap.Logger

	mu       sync.Mutex
	injected []uint32
}

var _ hook.Engine = (*StubEngine)(nil)

// NewStubEngine creates a stub engine that logs why injection is unavailable.
func NewStubEngine(reason string, logger *zap.Logger) *StubEngine {
	return &StubEngine{reason: reason, logger: logger}
}

func (s *StubEngine) Start(_ context.Context, _ hook.Handler) error {
	s.logger.Warn("injection unavailable, running in stub mode",
		zap.String("reason", s.reason),
	)
	return nil
}

func (s *StubEngine) Stop() error {
	return nil
}

// Inject records the request and succeeds; the process never connects.
func (s *StubEngine) Inject(pid uint32, _ string) error {
	s.mu.Lock()
	s.injected = append(s.injected, pid)
	s.mu.Unlock()
	s.logger.Debug("stub inject", zap.Uint32("pid", pid))
	return nil
}

// Injected returns the pids Inject was called with, in call order.
func (s *StubEngine) Injected() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.injected...)
}

func (s *StubEngine) ApplyEmbedSettings(pid uint32, _ hook.EmbedSettings) error {
	return fmt.Errorf("embed settings for pid %d: %s", pid, s.reason)
}

func (s *StubEngine) EnableEmbedding(hc hook.HookContext, _ bool) error {
	return fmt.Errorf("enable embedding %s: %s", hc, s.reason)
}

func (s *StubEngine) DeliverTranslation(hc hook.HookContext, _, _ string) error {
	return fmt.Errorf("deliver translation %s: %s", hc, s.reason)
}

func (s *StubEngine) Name() string {
	return "stub"
}
