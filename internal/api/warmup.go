package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/onboard"
)

func (s *Server) handleStartWarmup(w http.ResponseWriter, r *http.Request) {
	var req onboard.WarmupRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}
	req.TriggeredBy = "admin"

	run, err := s.deps.Onboard.StartWarmup(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, onboard.ErrNoModels), errors.Is(err, onboard.ErrUnknownMode):
		s.writeError(w, http.StatusBadRequest, failure.CodeInvalidRequest, err.Error())
	default:
		s.writeStoreError(w, err, "account", "start warmup")
	}
}

func (s *Server) handleGetWarmupRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetWarmupRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeStoreError(w, err, "warmup run", "get warmup run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Maintenance.Recover(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "account", "recover accounts")
		return
	}
	if report.Recovered == nil {
		report.Recovered = []string{}
	}
	if report.Redeployed == nil {
		report.Redeployed = []string{}
	}
	s.writeJSON(w, http.StatusOK, report)
}
