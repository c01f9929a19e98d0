// Package session issues and validates opaque bearer tokens. Only the
// BLAKE3 hash of a token is persisted, so stored data cannot be replayed.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/zeebo/blake3"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
)

// tokenLength gives 43 characters of the URL-safe nanoid alphabet, about
// 256 bits of entropy.
const tokenLength = 43

// Validation reasons.
const (
	ReasonExpired = "expired"
	ReasonInvalid = "invalid"
	ReasonRevoked = "revoked"
)

// ErrUnknownKind is returned by Create for a kind other than generation or
// admin.
var ErrUnknownKind = errors.New("unknown session kind")

// Result is the outcome of validating a token. Reason is empty when Active.
type Result struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Manager creates, validates and revokes sessions.
type Manager struct {
	store store.SessionStore
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by s.
func NewManager(s store.SessionStore, opts ...Option) *Manager {
	m := &Manager{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HashToken returns the persisted form of token.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a new token. Generation sessions expire duration after
// creation. Admin sessions expire after duration without activity.
func (m *Manager) Create(ctx context.Context, kind string, duration time.Duration) (string, *model.Session, error) {
	now := m.now()
	sess := &model.Session{
		Kind:           kind,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	switch kind {
	case model.SessionGeneration:
		expires := now.Add(duration)
		sess.ExpiresAt = &expires
	case model.SessionAdmin:
		sess.IdleTimeout = duration
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	token, err := gonanoid.New(tokenLength)
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	sess.TokenHash = HashToken(token)

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	validations.WithLabelValues("created").Inc()
	return token, sess, nil
}

// Validate checks token. With touch set, an active idle-timeout session has
// its last activity moved to now, extending it. A store failure is returned
// as an error rather than a verdict.
func (m *Manager) Validate(ctx context.Context, token string, touch bool) (Result, error) {
	res, err := m.validate(ctx, token, touch)
	if err == nil {
		outcome := "active"
		if !res.Active {
			outcome = res.Reason
		}
		validations.WithLabelValues(outcome).Inc()
	}
	return res, err
}

func (m *Manager) validate(ctx context.Context, token string, touch bool) (Result, error) {
	if token == "" {
		return Result{Reason: ReasonInvalid}, nil
	}
	hash := HashToken(token)
	sess, err := m.store.GetSession(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Reason: ReasonInvalid}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get session: %w", err)
	}

	res := Result{Kind: sess.Kind, ExpiresAt: sess.Deadline()}
	if sess.Revoked {
		res.Reason = ReasonRevoked
		return res, nil
	}
	now := m.now()
	if now.After(res.ExpiresAt) {
		res.Reason = ReasonExpired
		return res, nil
	}

	if touch && sess.ExpiresAt == nil {
		if err := m.store.TouchSession(ctx, hash, now); err != nil {
			return Result{}, fmt.Errorf("touch session: %w", err)
		}
		res.ExpiresAt = now.Add(sess.IdleTimeout)
	}
	res.Active = true
	return res, nil
}

// Revoke invalidates token. Revoking an unknown token is not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if err := m.store.RevokeSession(ctx, HashToken(token)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Purge deletes expired and revoked sessions and returns how many were
// removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	n, err := m.store.PurgeSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return n, nil
}
