package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/onboard"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// handleStreamEvents streams the running onboarding of an account as SSE.
// Deploy output arrives as plain data lines, step results as "step" events
// with the audit event as JSON. The stream ends with a "done" event.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Store.GetAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "account", "get account for events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	broker := s.deps.Onboard.Broker()
	if !broker.Active(id) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "no onboarding in progress")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A run that finished since the Active check leaves a closed channel and
	// the loop below exits at once.
	ch, unsub := broker.Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case m, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeMessage(w, m); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeMessage(w http.ResponseWriter, m onboard.Message) error {
	if m.Kind == onboard.MessageStep && m.Event != nil {
		data, err := json.Marshal(m.Event)
		if err != nil {
			return err
		}
		return writeSSEEvent(w, "step", string(data))
	}
	return writeSSEData(w, m.Line)
}

// eventHistoryResponse is the JSON response for GET /v1/accounts/{id}/events/history.
type eventHistoryResponse struct {
	AccountID string        `json:"account_id"`
	Events    []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Store.GetAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "account", "get account for event history")
		return
	}

	limit := parseIntQuery(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	events, err := s.deps.Store.ListEvents(r.Context(), id, limit)
	if err != nil {
		s.writeStoreError(w, err, "account", "list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{AccountID: id, Events: events})
}

// writeSSEData writes a line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
