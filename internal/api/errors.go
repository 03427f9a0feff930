package api

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/opstrack/internal/engine"
	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/operations"
)

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, operations.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.IsAlreadyTerminal(err), model.IsInvalidTransition(err), errors.Is(err, engine.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown), errors.Is(err, operations.ErrStartFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs unexpected failures and writes the mapped response.
// Client errors carry their message; server errors do not.
func (s *Server) writeServiceError(w http.ResponseWriter, action string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(action, "error", err)
		s.writeError(w, code, "failed to "+action)
		return
	}
	s.writeError(w, code, err.Error())
}
