package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByKind   map[string]int `json:"by_kind"`
	// EventStreams is the number of operations with open event streams.
	EventStreams int `json:"event_streams"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ops.Stats(r.Context())
	if err != nil {
		s.logger.Error("get operation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:    stats.Total,
		ByStatus: stats.CountByStatus,
		ByKind:   stats.CountByKind,

		EventStreams: s.broker.Topics(),
	})
}
