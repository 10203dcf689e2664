// Package httpserver is the admin surface: a plaintext HTTP listener,
// entirely separate from the mTLS data plane, exposing liveness,
// readiness, a JSON status snapshot, and Prometheus metrics. It only
// ever reads engine state through Engine.Snapshot, which the poll loop
// publishes atomically once per tick; it never mutates anything the
// engine owns.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mtls-lb/internal/engine"
	"mtls-lb/internal/logger"
	"mtls-lb/internal/pool"
)

// Build information, set at compile time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Server provides HTTP endpoints for health checks and metrics.
type Server struct {
	addr      string
	log       *logger.Logger
	server    *http.Server
	engine    *engine.Engine
	bufPool   *pool.BytePool
	startedAt time.Time
}

// New creates an admin HTTP server reading state from eng.
func New(addr string, log *logger.Logger, eng *engine.Engine, bufPool *pool.BytePool) *Server {
	return &Server{
		addr:      addr,
		log:       log,
		engine:    eng,
		bufPool:   bufPool,
		startedAt: time.Now(),
	}
}

// Run starts the HTTP server and blocks until context is done.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/livez", s.handleLivez)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/version", s.handleVersion)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin http server starting", "addr", s.addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.log.Info("admin http server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin http server error: %w", err)
		}
		return nil
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "mtls-lb",
		"message": "load balancer admin surface",
		"time":    time.Now().Unix(),
	})
}

// handleHealth reports process liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleReady reports whether the engine has completed at least one poll
// iteration, meaning the listener is bound and the loop is live.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	status := http.StatusOK
	if !snap.Ready {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]any{
		"ready":              snap.Ready,
		"time":               time.Now().Unix(),
		"poll_count":         snap.PollCount,
		"active_connections": snap.ActiveConnections,
		"pending_handshakes": snap.PendingHandshakes,
	})
}

// handleLivez always reports alive; distinct from /ready, which requires
// the engine to have made progress.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alive": true,
		"time":  time.Now().Unix(),
	})
}

// handleStatus returns a JSON snapshot of the poll count, active
// connection and pending-handshake counts, the global connection cap's
// current usage, and each pool's endpoints with their active count,
// health flag and circuit breaker state. It carries no per-identity
// figures and no precomputed per-pool size or healthy count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	status := map[string]any{
		"time":               time.Now().Unix(),
		"started_at":         s.startedAt.Unix(),
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
		"poll_count":         snap.PollCount,
		"active_connections": snap.ActiveConnections,
		"pending_handshakes": snap.PendingHandshakes,
		"global_connections": snap.GlobalActive,
		"pools":              snap.Pools,
	}

	if s.bufPool != nil {
		status["buffer_pool"] = s.bufPool.Stats()
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", "err", err)
	}
}
