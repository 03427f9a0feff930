package api

import (
	"context"
	"net/http"
	"time"
)

// healthPingTimeout bounds the store check behind /healthz.
const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	// LastReconcile is when the last reconciliation pass finished, if any.
	LastReconcile *time.Time `json:"last_reconcile,omitempty"`
}

// handleHealthz reports 200 while the record store answers and 503 when it
// does not. Reconciliation state is informational only.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: "ok"}
	if last := s.reconciler.Last(); last != nil {
		resp.LastReconcile = &last.At
	}

	code := http.StatusOK
	if err := s.ops.Ping(ctx); err != nil {
		s.logger.Warn("store health check failed", "error", err)
		resp.Status, resp.Store = "degraded", "unreachable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
