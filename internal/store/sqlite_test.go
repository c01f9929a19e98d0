package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/redact"
)

// testClock is a manually advanced time source.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, opts ...Option) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func makeTestAccount(status string) *model.Account {
	id := model.NewID()
	return &model.Account{
		ID:        id,
		Label:     "acct-" + id[len(id)-4:],
		SecretRef: "account/" + id,
		Status:    status,
	}
}

func createAccount(t *testing.T, s *SQLiteStore, status string) *model.Account {
	t.Helper()
	a := makeTestAccount(status)
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestMigrationsApplyToFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foundry.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	a := makeTestAccount(model.StatusPending)
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	s.Close()

	// Reopening must not re-run or fail on applied migrations.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen NewSQLiteStore: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetAccount(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAccount after reopen: %v", err)
	}
	if got.Label != a.Label {
		t.Errorf("Label = %q, want %q", got.Label, a.Label)
	}
}

func TestRedactorAppliesToLastError(t *testing.T) {
	r := redact.New("tok-super-secret")
	s, _ := newTestStore(t, WithRedactor(r))
	ctx := context.Background()
	a := createAccount(t, s, model.StatusChecking)

	got, err := s.MarkFailed(ctx, a.ID, "deploy with tok-super-secret: container crashed", 3)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	want := "deploy with " + redact.Placeholder + ": container crashed"
	if got.LastError != want {
		t.Errorf("LastError = %q, want %q", got.LastError, want)
	}

	stored, _ := s.GetAccount(ctx, a.ID)
	if stored.LastError != want {
		t.Errorf("stored LastError = %q, want %q", stored.LastError, want)
	}
}

func TestNotFoundErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateAccountStatus(ctx, "missing", model.StatusReady); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAccountStatus error = %v, want ErrNotFound", err)
	}
	if err := s.RecordUse(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordUse error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAccount(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteAccount error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetWarmupRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWarmupRun error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSecret(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSecret error = %v, want ErrNotFound", err)
	}
}
