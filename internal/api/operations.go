package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/operations"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodySize      = 1 << 20 // 1 MB
)

// createOperationResponse is the JSON body returned by POST /v1/machines/{machineID}.
type createOperationResponse struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// listOperationsResponse wraps the paginated list response.
type listOperationsResponse struct {
	Operations []*model.Operation `json:"operations"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	op, err := s.ops.Create(r.Context(), operations.CreateRequest{
		TargetID:   chi.URLParam(r, "machineID"),
		Kind:       r.URL.Query().Get("op"),
		Parameters: body,
	})
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, createOperationResponse{ID: op.ID})
	case errors.Is(err, operations.ErrStartFailed) && op != nil:
		s.logger.Error("start operation", "operation_id", op.ID, "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, createOperationResponse{
			ID:     op.ID,
			Status: op.Status,
			Error:  "operation could not be started",
		})
	default:
		s.writeServiceError(w, "create operation", err)
	}
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.ops.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get operation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	ops, total, err := s.ops.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		s.writeServiceError(w, "list operations", err)
		return
	}

	if ops == nil {
		ops = []*model.Operation{}
	}

	s.writeJSON(w, http.StatusOK, listOperationsResponse{
		Operations: ops,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ops.Cancel(r.Context(), id); err != nil {
		s.writeServiceError(w, "cancel operation", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleTerminateOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req terminateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.ops.Terminate(r.Context(), id, req.Reason); err != nil {
		s.writeServiceError(w, "terminate operation", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
