package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

func TestSessionCreateTouchRevoke(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	now := clock.Now()
	sess := &model.Session{
		TokenHash:      "hash-1",
		Kind:           model.SessionAdmin,
		CreatedAt:      now,
		IdleTimeout:    30 * time.Minute,
		LastActivityAt: now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Kind != model.SessionAdmin || got.IdleTimeout != 30*time.Minute || got.ExpiresAt != nil {
		t.Errorf("session = %+v", got)
	}

	later := now.Add(10 * time.Minute)
	if err := s.TouchSession(ctx, "hash-1", later); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "hash-1")
	if !got.LastActivityAt.Equal(later) {
		t.Errorf("last_activity_at = %v, want %v", got.LastActivityAt, later)
	}
	if !got.Deadline().Equal(later.Add(30 * time.Minute)) {
		t.Errorf("Deadline = %v", got.Deadline())
	}

	if err := s.RevokeSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "hash-1")
	if !got.Revoked {
		t.Error("Revoked = false after RevokeSession")
	}

	if err := s.RevokeSession(ctx, "unknown"); err != nil {
		t.Errorf("RevokeSession(unknown) = %v, want nil", err)
	}
	if err := s.TouchSession(ctx, "unknown", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchSession(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(unknown) = %v, want ErrNotFound", err)
	}
}

func TestPurgeSessions(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	now := clock.Now()

	expiresSoon := now.Add(time.Minute)
	expiresLater := now.Add(time.Hour)
	sessions := []*model.Session{
		{TokenHash: "fixed-expired", Kind: model.SessionGeneration, CreatedAt: now, ExpiresAt: &expiresSoon, LastActivityAt: now},
		{TokenHash: "fixed-live", Kind: model.SessionGeneration, CreatedAt: now, ExpiresAt: &expiresLater, LastActivityAt: now},
		{TokenHash: "idle-expired", Kind: model.SessionAdmin, CreatedAt: now, IdleTimeout: time.Minute, LastActivityAt: now},
		{TokenHash: "idle-live", Kind: model.SessionAdmin, CreatedAt: now, IdleTimeout: time.Hour, LastActivityAt: now},
		{TokenHash: "revoked", Kind: model.SessionAdmin, CreatedAt: now, IdleTimeout: time.Hour, LastActivityAt: now, Revoked: true},
	}
	for _, sess := range sessions {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession(%s): %v", sess.TokenHash, err)
		}
	}

	n, err := s.PurgeSessions(ctx, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("PurgeSessions: %v", err)
	}
	if n != 3 {
		t.Errorf("purged = %d, want 3", n)
	}

	for _, hash := range []string{"fixed-live", "idle-live"} {
		if _, err := s.GetSession(ctx, hash); err != nil {
			t.Errorf("GetSession(%s) after purge: %v", hash, err)
		}
	}
	for _, hash := range []string{"fixed-expired", "idle-expired", "revoked"} {
		if _, err := s.GetSession(ctx, hash); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSession(%s) after purge = %v, want ErrNotFound", hash, err)
		}
	}
}
