// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package launcher starts the target program and requests injection into
// every running process that carries one of the target executable names.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mbeema/vpatch/pkg/health"
	"go.uber.org/zap"
)

// Injector requests injection into a running process.
type Injector interface {
	Inject(pid uint32, basePath string) error
}

// ProcessFinder resolves executable names to running pids.
type ProcessFinder interface {
	FindByName(ctx context.Context, names ...string) ([]uint32, error)
}

// Launcher spawns the target and fans injection requests out to the engine.
type Launcher struct {
	engine   Injector
	finder   ProcessFinder
	basePath string
	stats    *health.Stats
	logger   *zap.Logger
}

// New creates a launcher. basePath is handed to every injection request.
func New(engine Injector, finder ProcessFinder, basePath string, stats *health.Stats, logger *zap.Logger) *Launcher {
	return &Launcher{
		engine:   engine,
		finder:   finder,
		basePath: basePath,
		stats:    stats,
		logger:   logger.With(zap.String("component", "launcher")),
	}
}

// Process is a spawned target. A background goroutine reaps it, so Wait and
// Done may be used any number of times.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// PID returns the operating system pid.
func (p *Process) PID() uint32 {
	return uint32(p.cmd.Process.Pid)
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch starts exe. A nil arg starts it without a command line.
func (l *Launcher) Launch(exe string, arg *string) (*Process, error) {
	if exe == "" {
		return nil, fmt.Errorf("empty executable path")
	}

	cmd, err := buildCommand(exe, arg)
	if err != nil {
		return nil, fmt.Errorf("build command for %s: %w", exe, err)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", exe, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		l.logger.Info("target exited",
			zap.Int("pid", cmd.Process.Pid),
			zap.Int("exit_code", exitCodeFromError(p.err)),
		)
	}()

	l.logger.Info("target started",
		zap.String("exe", exe),
		zap.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or -1 otherwise.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Settle blocks for d so the target can spawn its own helper processes.
func Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectAll requests injection into every running process named like one
// of names, ignoring case. Requests are fire-and-forget: failures are
// logged and counted, and a later connect is the only sign of success.
// It returns the number of requests issued.
func (l *Launcher) InjectAll(ctx context.Context, names []string) int {
	names = uniqueNames(names)
	if len(names) == 0 {
		return 0
	}

	pids, err := l.finder.FindByName(ctx, names...)
	if err != nil {
		l.logger.Warn("process scan failed", zap.Strings("names", names), zap.Error(err))
		return 0
	}
	if len(pids) == 0 {
		l.logger.Info("no running process matched", zap.Strings("names", names))
		return 0
	}

	for _, pid := range pids {
		l.stats.InjectRequests.Inc()
		if err := l.engine.Inject(pid, l.basePath); err != nil {
			l.stats.InjectErrors.Inc()
			l.logger.Warn("inject request failed", zap.Uint32("pid", pid), zap.Error(err))
			continue
		}
		l.logger.Info("inject requested", zap.Uint32("pid", pid))
	}
	return len(pids)
}

// uniqueNames drops empty names and case-insensitive duplicates, keeping
// the first spelling.
func uniqueNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
