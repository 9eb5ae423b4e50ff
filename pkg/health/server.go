// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ProcessStatus describes one connected process.
type ProcessStatus struct {
	PID         uint32    `json:"pid"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Status is a snapshot of the patch run.
type Status struct {
	Engine            string          `json:"engine"`
	Target            string          `json:"target,omitempty"`
	Processes         []ProcessStatus `json:"processes"`
	DictionaryEntries int             `json:"dictionary_entries"`
	Untranslated      int             `json:"untranslated"`
}

// StatusFunc snapshots the current run.
type StatusFunc func() Status

// Server serves /health, /ready, /status and /metrics for a running patch.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	version string
	addr    string
	ready   atomic.Bool
	server  *http.Server

	mu     sync.Mutex
	status StatusFunc
}

// NewServer creates a health server.
func NewServer(addr, version string, stats *Stats, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		logger:  logger.With(zap.String("component", "health")),
	}
}

// SetReady marks the run as ready: the engine is up and waiting for
// processes.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetStatus installs the snapshot source behind /health and /status.
func (s *Server) SetStatus(fn StatusFunc) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Addr returns the listen address, resolved once Start has returned.
func (s *Server) Addr() string {
	return s.addr
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Get("/status/{pid}", s.handleProcess)
	r.Handle("/metrics", promhttp.HandlerFor(s.stats.Registry(), promhttp.HandlerOpts{}))
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) snapshot() Status {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()
	if fn == nil {
		return Status{}
	}
	return fn()
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Engine    string `json:"engine,omitempty"`
	Connected int    `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Version:   s.version,
		Uptime:    s.stats.Uptime().Truncate(time.Second).String(),
		Engine:    st.Engine,
		Connected: len(st.Processes),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.snapshot()
	if st.Processes == nil {
		st.Processes = []ProcessStatus{}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseUint(chi.URLParam(r, "pid"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid pid"})
		return
	}
	for _, p := range s.snapshot().Processes {
		if p.PID == uint32(pid) {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "process not connected"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
