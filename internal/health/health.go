// Package health exposes the worker process's /health and /metrics
// endpoints on a single gorilla/mux router, in the style of the
// teacher's restserver package.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server answers liveness/readiness checks for the worker process.
// Ready starts false and flips true once the engine handle and
// backing adapters have initialized successfully.
type Server struct {
	ready int32
}

// NewServer creates a Server that reports not-ready until MarkReady
// is called.
func NewServer() *Server {
	return &Server{}
}

// MarkReady flips the server into the ready state. Idempotent.
func (s *Server) MarkReady() {
	atomic.StoreInt32(&s.ready, 1)
}

// MarkNotReady flips the server back to not-ready, e.g. after the
// render engine handle is found to be unrecoverable.
func (s *Server) MarkNotReady() {
	atomic.StoreInt32(&s.ready, 0)
}

func (s *Server) isReady() bool {
	return atomic.LoadInt32(&s.ready) == 1
}

// Router builds the HTTP handler serving /health and /metrics.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Path("/health").Methods(http.MethodGet).HandlerFunc(s.handleHealth)
	r.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler())
	return r
}

type healthResponse struct {
	Message string `json:"message"`
}

// handleHealth serves spec.md §6's bit-exact ready body, 200
// {"message":"ok"}. Before the engine handle is up (or after it is
// found unrecoverable) it serves 503 with a distinct message instead
// of the same body at a different status, so callers can't mistake
// one for the other.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Message: "ok"}
	status := http.StatusOK
	if !s.isReady() {
		resp = healthResponse{Message: "not_ready"}
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
