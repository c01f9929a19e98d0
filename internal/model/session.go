package model

import "time"

// Session kinds.
const (
	SessionGeneration = "generation"
	SessionAdmin      = "admin"
)

// Session is a persisted authentication session. Only the hash of the
// issued token is stored.
type Session struct {
	TokenHash      string        `json:"-"`
	Kind           string        `json:"kind"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	IdleTimeout    time.Duration `json:"idle_timeout,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Revoked        bool          `json:"revoked"`
}

// Deadline returns the instant after which the session is expired.
func (s *Session) Deadline() time.Time {
	if s.ExpiresAt != nil {
		return *s.ExpiresAt
	}
	return s.LastActivityAt.Add(s.IdleTimeout)
}
