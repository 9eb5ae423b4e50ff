// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer() (*Server, *Stats) {
	stats := NewStats()
	return NewServer("127.0.0.1:0", "1.0.0-test", stats, zap.NewNop()), stats
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func sampleStatus() Status {
	return Status{
		Engine: "socket",
		Target: "game.exe",
		Processes: []ProcessStatus{
			{PID: 100, ConnectedAt: time.Unix(1700000000, 0).UTC()},
			{PID: 200, ConnectedAt: time.Unix(1700000005, 0).UTC()},
		},
		DictionaryEntries: 12,
		Untranslated:      3,
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "invalid JSON: %s", w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer()

	w := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var hr healthResponse
	decode(t, w, &hr)
	assert.Equal(t, "healthy", hr.Status)
	assert.Equal(t, "1.0.0-test", hr.Version)
	assert.Zero(t, hr.Connected, "no status source installed yet")
}

func TestHealthEndpointReportsRun(t *testing.T) {
	srv, _ := newTestServer()
	srv.SetStatus(sampleStatus)

	var hr healthResponse
	decode(t, get(t, srv, "/health"), &hr)
	assert.Equal(t, "socket", hr.Engine)
	assert.Equal(t, 2, hr.Connected)
}

func TestReadyEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/ready").Code)

	srv.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, srv, "/ready").Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer()

	// Without a source the process list is still an array.
	assert.Contains(t, get(t, srv, "/status").Body.String(), `"processes":[]`)

	srv.SetStatus(sampleStatus)
	var st Status
	decode(t, get(t, srv, "/status"), &st)
	want := sampleStatus()
	assert.Equal(t, want.Engine, st.Engine)
	assert.Equal(t, want.Target, st.Target)
	assert.Equal(t, 12, st.DictionaryEntries)
	assert.Equal(t, 3, st.Untranslated)
	require.Len(t, st.Processes, 2)
	assert.Equal(t, uint32(200), st.Processes[1].PID)
	assert.True(t, want.Processes[1].ConnectedAt.Equal(st.Processes[1].ConnectedAt))
}

func TestProcessEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	srv.SetStatus(sampleStatus)

	tests := []struct {
		path string
		code int
	}{
		{"/status/100", http.StatusOK},
		{"/status/300", http.StatusNotFound},
		{"/status/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, get(t, srv, tt.path).Code, "GET %s", tt.path)
	}

	var p ProcessStatus
	decode(t, get(t, srv, "/status/100"), &p)
	assert.Equal(t, uint32(100), p.PID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, stats := newTestServer()
	stats.TextsTranslated.Add(42)
	stats.TextsUntranslated.Add(3)

	body := get(t, srv, "/metrics").Body.String()
	assert.Contains(t, body, "vpatch_texts_translated_total 42")
	assert.Contains(t, body, "vpatch_texts_untranslated_total 3")
	assert.Contains(t, body, "vpatch_uptime_seconds")
}

func TestStatsCounters(t *testing.T) {
	stats := NewStats()
	stats.Connects.Inc()
	stats.Connects.Inc()
	stats.Connected.Set(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(stats.Connects))
	assert.Equal(t, float64(2), testutil.ToFloat64(stats.Connected))

	// Two Stats must not collide on registration.
	other := NewStats()
	assert.Zero(t, testutil.ToFloat64(other.Connects))
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer()
	require.NoError(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, srv.Stop())
}
