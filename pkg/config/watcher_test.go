// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, JSONFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"target_exe": "a.exe", "translation_file": "t.json"}`), 0644))

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c }, zap.NewNop())
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644))

	require.NoError(t, os.WriteFile(path, []byte(
		`{"target_exe": "a.exe", "translation_file": "t.json", "embedsettings": {"timeout_translate": 4}}`), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, float64(4), cfg.EmbedSettings.TimeoutTranslate)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config write")
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, JSONFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"target_exe": "a.exe", "translation_file": "t.json"}`), 0644))

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c }, zap.NewNop())
	w.debounce = 20 * time.Millisecond

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"target_exe": `), 0644))

	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}

	w.Stop()
	w.Stop()
}

func TestWatcherIgnoresIdenticalRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, JSONFileName)
	content := []byte(`{"target_exe": "a.exe", "translation_file": "t.json"}`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { changes <- c }, zap.NewNop())
	w.debounce = 20 * time.Millisecond

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, content, 0644))

	select {
	case <-changes:
		t.Fatal("unchanged config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}
