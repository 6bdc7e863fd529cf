// Package server wires the asset file server into an HTTP server with
// liveness and readiness probes, Prometheus metrics, tracing and a
// signal-driven graceful shutdown.
package server

import (
	"net/http"
	"sync/atomic"
)

// healthState tracks readiness. The server is ready between a successful
// start and the beginning of shutdown.
type healthState struct {
	ready atomic.Bool
}

func newHealthState() *healthState {
	return &healthState{}
}

func (h *healthState) markReady() {
	h.ready.Store(true)
}

func (h *healthState) markNotReady() {
	h.ready.Store(false)
}

func (h *healthState) isReady() bool {
	return h.ready.Load()
}

// handleLiveness answers GET /healthz. It reports the process as alive
// regardless of filesystem state.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok\n")
}

// handleReadiness answers GET /readyz with 200 while the server accepts
// traffic and 503 before startup completes or once draining has begun.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.health.isReady() {
		s.logger.Debug().Str("state", s.currentState().String()).Msg("Readiness check failed: server not ready")
		writeText(w, http.StatusServiceUnavailable, "Service Unavailable\n")
		return
	}
	writeText(w, http.StatusOK, "ok\n")
}
