package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// reconcileWaitTimeout bounds how long a caller waits for a pass. The pass
// itself keeps running if the caller gives up.
const reconcileWaitTimeout = 2 * time.Minute

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reconcileWaitTimeout)
	defer cancel()

	report, err := s.reconciler.Fire(ctx)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, report)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
	default:
		s.logger.Error("reconcile", "error", err)
		s.writeError(w, http.StatusInternalServerError, "reconciliation pass failed")
	}
}

func (s *Server) handleLastReconcile(w http.ResponseWriter, _ *http.Request) {
	last := s.reconciler.Last()
	if last == nil {
		s.writeError(w, http.StatusNotFound, "no reconciliation pass has run")
		return
	}
	s.writeJSON(w, http.StatusOK, last)
}
