package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body of every error reply. Code is stable;
// Action tells the caller what to do next.
type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Action string `json:"action,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response carrying code and its action.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:  message,
		Code:   code,
		Action: failure.ActionFor(code),
	})
}

// writeStoreError maps store sentinels onto HTTP errors. what names the
// record for the not-found message; op is logged for unexpected failures.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, what, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, failure.CodeNotFound, what+" not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, failure.CodeConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to "+op)
	}
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeError(w, http.StatusBadRequest, failure.CodeInvalidRequest, "invalid JSON body")
	return false
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
