package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seantiz/foundry/internal/admission"
	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/router"
	"github.com/seantiz/foundry/internal/workspace"
)

// pickRequest is the JSON body for POST /v1/dispatch/pick.
type pickRequest struct {
	Tried []string `json:"tried"`
}

// pickResponse names the account a caller should send work to.
type pickResponse struct {
	AccountID string `json:"account_id"`
	Workspace string `json:"workspace"`
	URL       string `json:"url"`
}

func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	var req pickRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}

	a, err := s.deps.Router.PickWithFallback(r.Context(), req.Tried)
	if errors.Is(err, router.ErrNoReadyAccount) {
		s.writeError(w, http.StatusServiceUnavailable, failure.CodeNoReadyAccount, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("pick account", "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to pick account")
		return
	}

	s.writeJSON(w, http.StatusOK, pickResponse{
		AccountID: a.ID,
		Workspace: a.Workspace,
		URL:       workspace.URLFor(s.cfg.WorkspaceURLTemplate, a.Workspace),
	})
}

func (s *Server) handleDispatchSuccess(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Router.MarkSuccess(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err, "account", "record dispatch success")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dispatchFailureRequest is the JSON body for POST /v1/dispatch/{id}/failure.
type dispatchFailureRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleDispatchFailure(w http.ResponseWriter, r *http.Request) {
	var req dispatchFailureRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}
	var cause error
	if req.Error != "" {
		cause = errors.New(req.Error)
	}

	a, err := s.deps.Router.MarkFailed(r.Context(), chi.URLParam(r, "id"), cause)
	if err != nil {
		s.writeStoreError(w, err, "account", "record dispatch failure")
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(a))
}

// admitRequest is the JSON body for POST /v1/queue/admit. An empty TaskID
// gets a generated one. With Wait set the call blocks up to the configured
// max wait for a slot.
type admitRequest struct {
	TaskID string `json:"task_id"`
	Wait   bool   `json:"wait"`
}

type admitResponse struct {
	TaskID   string `json:"task_id"`
	Admitted bool   `json:"admitted"`
	Depth    int    `json:"depth"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !s.decodeJSON(w, r, &req, true) {
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	cfg := s.cfg.Queue

	var (
		depth    int
		admitted bool
	)
	if req.Wait {
		// The wait can outlast the server write timeout; push the deadline
		// past it so the overload reply still reaches the caller.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(cfg.MaxWait + writeTimeout)); err != nil &&
			!errors.Is(err, http.ErrNotSupported) {
			s.logger.Warn("extend write deadline for queue wait", "error", err)
		}

		var err error
		depth, err = s.deps.Queue.Wait(r.Context(), req.TaskID, cfg.MaxDepth, cfg.MaxWait, cfg.PollInterval)
		switch {
		case err == nil:
			admitted = true
		case errors.Is(err, admission.ErrOverloaded):
		default:
			// The client went away while waiting.
			return
		}
	} else {
		admitted, depth = s.deps.Queue.TryAdmit(req.TaskID, cfg.MaxDepth)
	}

	if !admitted {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(cfg.PollInterval.Seconds())))
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:  admission.ErrOverloaded.Error(),
			Code:   failure.CodeOverloaded,
			Action: failure.ActionFor(failure.CodeOverloaded),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, admitResponse{TaskID: req.TaskID, Admitted: true, Depth: depth})
}

func retryAfterSeconds(poll float64) int {
	return max(1, int(poll+0.5))
}

type releaseRequest struct {
	TaskID string `json:"task_id"`
}

type releaseResponse struct {
	Released bool `json:"released"`
	Depth    int  `json:"depth"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, failure.CodeInvalidRequest, "task_id is required")
		return
	}
	released := s.deps.Queue.Release(req.TaskID)
	s.writeJSON(w, http.StatusOK, releaseResponse{Released: released, Depth: s.deps.Queue.Depth()})
}
