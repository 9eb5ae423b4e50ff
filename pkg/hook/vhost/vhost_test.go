// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package vhost

import (
	"context"
	"runtime"
	"testing"

	"github.com/mbeema/vpatch/pkg/hook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDLLName(t *testing.T) {
	name := DLLName()
	assert.Regexp(t, `^VHost\d+\.dll$`, name)
	if runtime.GOARCH == "amd64" {
		assert.Equal(t, "VHost64.dll", name)
	}
}

func TestDetectMissingLibrary(t *testing.T) {
	s := Detect(t.TempDir())
	require.False(t, s.Available, "Detect reported available for an empty directory")
	assert.NotEmpty(t, s.Reason, "Reason should explain why vhost is unavailable")
}

func TestNewUnavailable(t *testing.T) {
	if runtime.GOOS == "windows" && runtime.GOARCH == "amd64" {
		t.Skip("library may be loadable on windows/amd64")
	}
	_, err := New("VHost64.dll", zap.NewNop())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStubEngine(t *testing.T) {
	s := NewStubEngine("testing", zap.NewNop())

	require.NoError(t, s.Start(context.Background(), nil))
	assert.Equal(t, "stub", s.Name())

	require.NoError(t, s.Inject(10, ""))
	require.NoError(t, s.Inject(11, ""))
	assert.Equal(t, []uint32{10, 11}, s.Injected())

	assert.Error(t, s.EnableEmbedding(hook.HookContext{PID: 10}, true))
	assert.Error(t, s.ApplyEmbedSettings(10, hook.EmbedSettings{}))
	assert.Error(t, s.DeliverTranslation(hook.HookContext{PID: 10}, "a", "b"))
	assert.NoError(t, s.Stop())
}
