package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/session"
)

type ctxKey int

const (
	ctxToken ctxKey = iota
	ctxSession
)

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireSession rejects requests without an active session of one of
// kinds. Admin sessions are touched on every request.
func (s *Server) requireSession(kinds ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			res, err := s.deps.Sessions.Validate(r.Context(), token, true)
			if err != nil {
				s.logger.Error("validate session", "error", err)
				s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to validate session")
				return
			}
			if !res.Active {
				if res.Reason == session.ReasonExpired {
					s.writeError(w, http.StatusUnauthorized, failure.CodeSessionExpired, "session expired")
					return
				}
				s.writeError(w, http.StatusUnauthorized, failure.CodeUnauthorized, "session "+res.Reason)
				return
			}
			if !slices.Contains(kinds, res.Kind) {
				s.writeError(w, http.StatusForbidden, failure.CodeForbidden, res.Kind+" session not allowed here")
				return
			}

			ctx := context.WithValue(r.Context(), ctxToken, token)
			ctx = context.WithValue(ctx, ctxSession, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// createSessionRequest is the JSON body for POST /v1/sessions.
type createSessionRequest struct {
	Kind     string `json:"kind"`
	Password string `json:"password"`
}

// sessionResponse describes an issued or validated session.
type sessionResponse struct {
	Token     string    `json:"token,omitempty"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateSession issues admin sessions against the configured password
// and generation sessions to holders of an admin session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}

	var duration time.Duration
	switch req.Kind {
	case model.SessionAdmin:
		want := s.cfg.AdminPassword
		if want == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(want)) != 1 {
			s.writeError(w, http.StatusUnauthorized, failure.CodeUnauthorized, "invalid admin password")
			return
		}
		duration = s.cfg.Session.AdminIdleTimeout
	case model.SessionGeneration:
		res, err := s.deps.Sessions.Validate(r.Context(), bearerToken(r), true)
		if err != nil {
			s.logger.Error("validate session", "error", err)
			s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to validate session")
			return
		}
		if !res.Active || res.Kind != model.SessionAdmin {
			s.writeError(w, http.StatusForbidden, failure.CodeForbidden, "generation sessions are issued to admin sessions")
			return
		}
		duration = s.cfg.Session.GenerationTTL
	default:
		s.writeError(w, http.StatusBadRequest, failure.CodeInvalidRequest, "kind must be admin or generation")
		return
	}

	token, sess, err := s.deps.Sessions.Create(r.Context(), req.Kind, duration)
	if err != nil {
		s.logger.Error("create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to create session")
		return
	}
	s.logger.Info("session created", "kind", sess.Kind)
	s.writeJSON(w, http.StatusCreated, sessionResponse{
		Token:     token,
		Kind:      sess.Kind,
		ExpiresAt: sess.Deadline(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	res, _ := r.Context().Value(ctxSession).(session.Result)
	s.writeJSON(w, http.StatusOK, sessionResponse{Kind: res.Kind, ExpiresAt: res.ExpiresAt})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(ctxToken).(string)
	if err := s.deps.Sessions.Revoke(r.Context(), token); err != nil {
		s.logger.Error("revoke session", "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to revoke session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
