package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/seantiz/foundry/internal/admission"
	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/deploy"
	"github.com/seantiz/foundry/internal/maintenance"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/onboard"
	"github.com/seantiz/foundry/internal/redact"
	"github.com/seantiz/foundry/internal/router"
	"github.com/seantiz/foundry/internal/secrets"
	"github.com/seantiz/foundry/internal/session"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/workspace"
)

const testAdminPassword = "correct-horse-battery"

// stubExecutor deploys every account to a workspace named after its id.
// A non-nil gate holds each deploy until it is closed.
type stubExecutor struct {
	gate <-chan struct{}
}

func (e stubExecutor) Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	if req.LogWriter != nil {
		req.LogWriter("deploying " + req.AccountID)
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return deploy.Result{}, ctx.Err()
		}
	}
	return deploy.Result{Workspace: "ws-" + strings.ToLower(req.AccountID)}, nil
}

// newWorker serves a worker that is always healthy and completes every
// warm-up task at once.
func newWorker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/health"):
			io.WriteString(w, `{"status":"healthy"}`)
		case strings.HasSuffix(r.URL.Path, "/warmup"):
			io.WriteString(w, `{"task_id":"t1"}`)
		case strings.Contains(r.URL.Path, "/tasks/"):
			io.WriteString(w, `{"status":"completed"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(workerURL string) config.Config {
	cfg := config.Default()
	cfg.AdminPassword = testAdminPassword
	cfg.WorkspaceURLTemplate = workerURL + "/{workspace}"
	cfg.RequiredSecrets = nil
	cfg.Deploy.BackoffBase = time.Millisecond
	cfg.Deploy.BackoffCap = time.Millisecond
	cfg.Health.Interval = time.Millisecond
	cfg.Warmup.Models = []string{"llama"}
	cfg.Warmup.PollInterval = time.Millisecond
	cfg.Queue.MaxDepth = 1
	cfg.Queue.MaxWait = 20 * time.Millisecond
	cfg.Queue.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	redactor := redact.New()
	s, err := store.NewSQLiteStore(":memory:", store.WithRedactor(redactor))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}

	worker := newWorker(t)
	cfg := testConfig(worker.URL)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	vault := secrets.NewVault(s, identity, redactor)
	orch := onboard.New(s, vault, stubExecutor{}, workspace.NewClient(time.Second, worker.Client()),
		onboard.SettingsFrom(cfg), logger, onboard.WithRedactor(redactor))
	t.Cleanup(orch.Wait)

	sessions := session.NewManager(s)
	sched, err := maintenance.New(s, orch, orch, sessions, maintenance.Settings{
		RecoveryCooldown: cfg.Recovery.Cooldown,
	}, logger)
	if err != nil {
		t.Fatalf("maintenance.New: %v", err)
	}

	return NewServer(cfg, Deps{
		Store:       s,
		Vault:       vault,
		Onboard:     orch,
		Router:      router.New(s, logger),
		Queue:       admission.NewQueue(),
		Sessions:    sessions,
		Maintenance: sched,
	}, logger)
}

// call sends a JSON request and returns the response with its body read.
func call(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, data := call(t, http.MethodPost, ts.URL+"/v1/sessions", "",
		createSessionRequest{Kind: model.SessionAdmin, Password: testAdminPassword})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin login status = %d: %s", resp.StatusCode, data)
	}
	return decode[sessionResponse](t, data).Token
}

// readyAccount creates an account through the API and waits for it to be
// onboarded.
func readyAccount(t *testing.T, srv *Server, ts *httptest.Server, token, label string) accountView {
	t.Helper()
	resp, data := call(t, http.MethodPost, ts.URL+"/v1/accounts", token, map[string]string{
		"label": label, "token_id": "ak-" + label, "token_secret": "as-" + label + "-secret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create account status = %d: %s", resp.StatusCode, data)
	}
	created := decode[accountView](t, data)
	srv.deps.Onboard.Wait()

	a, err := srv.deps.Store.GetAccount(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Status != model.StatusReady {
		t.Fatalf("account %s status = %q, want ready (last_error %q)", label, a.Status, a.LastError)
	}
	return accountView{Account: a}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestErrorBodyCarriesCodeAndAction(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token := login(t, ts)
	resp, data := call(t, http.MethodGet, ts.URL+"/v1/accounts/missing", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decode[errorResponse](t, data)
	if body.Code != "NOT_FOUND" || body.Action == "" || body.Error != "account not found" {
		t.Errorf("error body = %+v", body)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/accounts", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", r2.StatusCode)
	}
}

func TestUnknownRouteIsUnauthenticated404(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := call(t, http.MethodGet, fmt.Sprintf("%s/nope", ts.URL), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
