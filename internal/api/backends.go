package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/model"
)

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// handleGetBackend describes the backend that performs one operation kind.
func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "kind")
	kind, ok := model.ParseKind(raw)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unsupported operation kind "+raw)
		return
	}
	b, err := s.registry.Resolve(kind)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, backend.BackendInfo{Kind: kind, Capabilities: b.Capabilities()})
}
