package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/session"
	"github.com/seantiz/foundry/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestManager(t *testing.T) (*session.Manager, *store.SQLiteStore, *clock) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return session.NewManager(s, session.WithClock(c.Now)), s, c
}

func TestCreateStoresOnlyHash(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	token, sess, err := m.Create(ctx, model.SessionGeneration, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(token) != 43 {
		t.Errorf("token length = %d, want 43", len(token))
	}
	if sess.TokenHash == token {
		t.Error("session stores the raw token")
	}

	if _, err := s.GetSession(ctx, token); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("lookup by raw token = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(ctx, session.HashToken(token)); err != nil {
		t.Errorf("lookup by hash: %v", err)
	}

	other, _, err := m.Create(ctx, model.SessionGeneration, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if other == token {
		t.Error("two sessions share a token")
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, _, err := m.Create(context.Background(), "root", time.Hour); !errors.Is(err, session.ErrUnknownKind) {
		t.Errorf("Create error = %v, want ErrUnknownKind", err)
	}
}

func TestGenerationSessionFixedExpiry(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	token, _, err := m.Create(ctx, model.SessionGeneration, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantExpiry := c.now.Add(time.Hour)

	c.now = c.now.Add(50 * time.Minute)
	res, err := m.Validate(ctx, token, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Active || res.Reason != "" {
		t.Errorf("Validate = %+v, want active", res)
	}
	// Touch never extends a fixed-expiry session.
	if !res.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, wantExpiry)
	}

	c.now = c.now.Add(11 * time.Minute)
	res, err = m.Validate(ctx, token, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Active || res.Reason != session.ReasonExpired {
		t.Errorf("Validate after expiry = %+v, want expired", res)
	}
}

func TestAdminSessionIdleTimeout(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	token, _, err := m.Create(ctx, model.SessionAdmin, 30*time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Touching within the window keeps the session alive past the original
	// deadline.
	for range 3 {
		c.now = c.now.Add(20 * time.Minute)
		res, err := m.Validate(ctx, token, true)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !res.Active {
			t.Fatalf("Validate = %+v, want active", res)
		}
		if !res.ExpiresAt.Equal(c.now.Add(30 * time.Minute)) {
			t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, c.now.Add(30*time.Minute))
		}
	}

	// Validating without touch does not extend.
	c.now = c.now.Add(20 * time.Minute)
	if res, _ := m.Validate(ctx, token, false); !res.Active {
		t.Fatalf("Validate = %+v, want active", res)
	}
	c.now = c.now.Add(11 * time.Minute)
	res, err := m.Validate(ctx, token, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Active || res.Reason != session.ReasonExpired {
		t.Errorf("Validate after idle timeout = %+v, want expired", res)
	}
}

func TestValidateInvalidToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, token := range []string{"", "not-a-real-token"} {
		res, err := m.Validate(context.Background(), token, true)
		if err != nil {
			t.Fatalf("Validate(%q): %v", token, err)
		}
		if res.Active || res.Reason != session.ReasonInvalid {
			t.Errorf("Validate(%q) = %+v, want invalid", token, res)
		}
	}
}

func TestRevoke(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	token, _, err := m.Create(ctx, model.SessionAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	res, err := m.Validate(ctx, token, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Active || res.Reason != session.ReasonRevoked {
		t.Errorf("Validate after revoke = %+v, want revoked", res)
	}

	if err := m.Revoke(ctx, "unknown-token"); err != nil {
		t.Errorf("Revoke(unknown) = %v, want nil", err)
	}
}

func TestPurge(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	live, _, _ := m.Create(ctx, model.SessionGeneration, 2*time.Hour)
	expired, _, _ := m.Create(ctx, model.SessionGeneration, time.Minute)
	revoked, _, _ := m.Create(ctx, model.SessionAdmin, time.Hour)
	if err := m.Revoke(ctx, revoked); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	c.now = c.now.Add(10 * time.Minute)
	n, err := m.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}

	if res, _ := m.Validate(ctx, live, false); !res.Active {
		t.Errorf("live session = %+v after purge", res)
	}
	// Purged sessions no longer exist at all.
	if res, _ := m.Validate(ctx, expired, false); res.Reason != session.ReasonInvalid {
		t.Errorf("expired session reason = %q, want invalid after purge", res.Reason)
	}
}
