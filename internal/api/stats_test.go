package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := login(t, ts)

	resp, data := call(t, http.MethodGet, ts.URL+"/v1/stats", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	stats := decode[statsResponse](t, data)
	if stats.Total != 0 || stats.Routable != 0 || stats.QueueDepth != 0 {
		t.Errorf("stats = %+v, want zeros", stats)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	token := login(t, ts)

	readyAccount(t, srv, ts, token, "s1")
	readyAccount(t, srv, ts, token, "s2")
	c := readyAccount(t, srv, ts, token, "s3")
	call(t, http.MethodPost, ts.URL+"/v1/dispatch/"+c.ID+"/failure", token,
		dispatchFailureRequest{Error: "invalid token"})
	call(t, http.MethodPost, ts.URL+"/v1/queue/admit", token, admitRequest{TaskID: "q1"})

	_, data := call(t, http.MethodGet, ts.URL+"/v1/stats", token, nil)
	stats := decode[statsResponse](t, data)
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus["ready"] != 2 || stats.Routable != 2 {
		t.Errorf("ready = %d routable = %d, want 2", stats.ByStatus["ready"], stats.Routable)
	}
	if stats.ByStatus["disabled"] != 1 || stats.ByFailureType["auth_failed"] != 1 {
		t.Errorf("by_status = %v by_failure_type = %v", stats.ByStatus, stats.ByFailureType)
	}
	if stats.QueueDepth != 1 {
		t.Errorf("queue_depth = %d, want 1", stats.QueueDepth)
	}
}
