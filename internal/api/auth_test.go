package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/foundry/internal/model"
)

func TestProtectedRoutesRequireSession(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/accounts", "/v1/stats", "/v1/sessions/current"} {
		resp, data := call(t, http.MethodGet, ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, resp.StatusCode)
			continue
		}
		body := decode[errorResponse](t, data)
		if body.Code != "SESSION_INVALID" || body.Action == "" {
			t.Errorf("GET %s error body = %+v", path, body)
		}
	}

	resp, _ := call(t, http.MethodGet, ts.URL+"/v1/accounts", "not-a-real-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown token status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminLogin(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := call(t, http.MethodPost, ts.URL+"/v1/sessions", "",
		createSessionRequest{Kind: model.SessionAdmin, Password: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", resp.StatusCode)
	}

	resp, _ = call(t, http.MethodPost, ts.URL+"/v1/sessions", "",
		createSessionRequest{Kind: "root", Password: testAdminPassword})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", resp.StatusCode)
	}

	token := login(t, ts)
	if len(token) != 43 {
		t.Errorf("token length = %d, want 43", len(token))
	}

	resp, data := call(t, http.MethodGet, ts.URL+"/v1/sessions/current", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("current session status = %d", resp.StatusCode)
	}
	cur := decode[sessionResponse](t, data)
	if cur.Kind != model.SessionAdmin || cur.Token != "" || cur.ExpiresAt.IsZero() {
		t.Errorf("current session = %+v", cur)
	}
}

func TestAdminLoginDisabledWithoutPassword(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.AdminPassword = ""
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := call(t, http.MethodPost, ts.URL+"/v1/sessions", "",
		createSessionRequest{Kind: model.SessionAdmin, Password: ""})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGenerationSessions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := call(t, http.MethodPost, ts.URL+"/v1/sessions", "",
		createSessionRequest{Kind: model.SessionGeneration})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("generation without admin status = %d, want 403", resp.StatusCode)
	}

	admin := login(t, ts)
	resp, data := call(t, http.MethodPost, ts.URL+"/v1/sessions", admin,
		createSessionRequest{Kind: model.SessionGeneration})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generation session status = %d: %s", resp.StatusCode, data)
	}
	gen := decode[sessionResponse](t, data).Token

	resp, _ = call(t, http.MethodPost, ts.URL+"/v1/queue/admit", gen, admitRequest{TaskID: "t1"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("generation admit status = %d, want 200", resp.StatusCode)
	}

	resp, data = call(t, http.MethodGet, ts.URL+"/v1/accounts", gen, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("generation on admin route status = %d, want 403", resp.StatusCode)
	}
	if body := decode[errorResponse](t, data); body.Code != "SESSION_FORBIDDEN" {
		t.Errorf("code = %q, want SESSION_FORBIDDEN", body.Code)
	}
}

func TestRevokeSession(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token := login(t, ts)
	resp, _ := call(t, http.MethodDelete, ts.URL+"/v1/sessions/current", token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204", resp.StatusCode)
	}

	resp, data := call(t, http.MethodGet, ts.URL+"/v1/sessions/current", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after revoke status = %d, want 401", resp.StatusCode)
	}
	if body := decode[errorResponse](t, data); body.Error != "session revoked" {
		t.Errorf("error = %q, want session revoked", body.Error)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
