// Package monitor exposes read-only health endpoints and host resource
// checks for the recorder.
package monitor

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/pipeline"
)

const expvarName = "sensor_recorder"

// expvar names are process-global; the newest server supplies the value.
var (
	publishOnce sync.Once
	current     atomic.Pointer[func() any]
)

// Reporter is the pipeline view the server needs.
type Reporter interface {
	Summary() pipeline.Summary
}

// HealthStatus is served on /health and /readiness.
type HealthStatus struct {
	Status        string           `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds int64            `json:"uptime_seconds"`
	RunID         string           `json:"run_id"`
	DiskFreeMB    uint64           `json:"disk_free_mb,omitempty"`
	DiskLow       bool             `json:"disk_low,omitempty"`
	Pipeline      pipeline.Summary `json:"pipeline"`
}

// Server is the HTTP health server.
type Server struct {
	addr     string
	runID    string
	reporter Reporter
	disk     *DiskWatchdog
	started  time.Time
	logger   *slog.Logger

	mux *http.ServeMux
	srv *http.Server
	ln  net.Listener
}

// NewServer registers /health, /readiness, /metrics (expvar) and
// /debug/statsviz. disk may be nil.
func NewServer(addr, runID string, reporter Reporter, disk *DiskWatchdog, logger *slog.Logger) (*Server, error) {
	if reporter == nil {
		return nil, fmt.Errorf("monitor: reporter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		runID:    runID,
		reporter: reporter,
		disk:     disk,
		started:  time.Now(),
		logger:   logger.With("component", "monitor"),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/readiness", s.handleReadiness)
	s.mux.Handle("/metrics", expvar.Handler())
	if err := statsviz.Register(s.mux,
		statsviz.Root("/debug/statsviz"),
		statsviz.SendFrequency(time.Second),
	); err != nil {
		return nil, fmt.Errorf("monitor: register statsviz: %w", err)
	}

	status := func() any { return s.Health() }
	current.Store(&status)
	publishOnce.Do(func() {
		expvar.Publish(expvarName, expvar.Func(func() any {
			if f := current.Load(); f != nil {
				return (*f)()
			}
			return nil
		}))
	})

	return s, nil
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Health classifies the current pipeline state.
func (s *Server) Health() HealthStatus {
	h := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		RunID:         s.runID,
		Pipeline:      s.reporter.Summary(),
	}
	if s.disk != nil {
		h.DiskFreeMB = s.disk.FreeMB()
		h.DiskLow = s.disk.Low()
	}

	switch h.Pipeline.State {
	case pipeline.StateRunning.String():
		if h.DiskLow {
			h.Status = "degraded"
		}
	case pipeline.StateDraining.String():
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.Health())
}

// handleReadiness returns 503 unless the pipeline is capturing.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h := s.Health()
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(h)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	// No write timeout: statsviz holds a websocket open.
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("monitor: health server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/debug/statsviz"},
	)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("monitor: health server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
