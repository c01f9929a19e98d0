package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByFailureType map[string]int `json:"by_failure_type"`
	Routable      int            `json:"routable"`
	QueueDepth    int            `json:"queue_depth"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetAccountStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "stats", "get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByFailureType: stats.CountByType,
		Routable:      stats.CountByStatus["ready"],
		QueueDepth:    s.deps.Queue.Depth(),
	})
}
