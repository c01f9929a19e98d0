package api

import (
	"context"
	"net/http"
	"time"
)

const pingTimeout = 2 * time.Second

// Health statuses reported by /healthz.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

type healthResponse struct {
	Status     string `json:"status"`
	Database   string `json:"database"`
	Onboarding int    `json:"onboarding"`
	QueueDepth int    `json:"queue_depth"`
}

// handleHealthz reports whether the control plane can serve: the store must
// answer a ping. Onboarding and queue figures are informational.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     healthOK,
		Database:   healthOK,
		Onboarding: s.deps.Onboard.InFlight(),
		QueueDepth: s.deps.Queue.Depth(),
	}
	status := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		resp.Status = healthDegraded
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
