package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/model"
)

// ErrInvalidTransition is returned when an account status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// AccountStats holds aggregate account counts.
type AccountStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_failure_type"`
}

// AccountStore defines persistence and lifecycle writes for accounts. Every
// status write is checked against the account transition table.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	ListReadyAccounts(ctx context.Context) ([]*model.Account, error)
	UpdateAccountStatus(ctx context.Context, id, status string) error
	MarkReady(ctx context.Context, id string) error
	SetWorkspace(ctx context.Context, id, workspace string) error
	UpdateHealthCheck(ctx context.Context, id, result string) error
	RecordUse(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errText string, maxFailCount int) (*model.Account, error)
	MarkFailedAs(ctx context.Context, id string, t failure.Type, errText string, maxFailCount int) (*model.Account, error)
	RecoverFailedAccounts(ctx context.Context, cooldown time.Duration) ([]string, error)
	EnableAccount(ctx context.Context, id string) error
	DeleteAccount(ctx context.Context, id string) error
	GetAccountStats(ctx context.Context) (*AccountStats, error)
}

// WarmupStore persists warm-up state and runs.
type WarmupStore interface {
	GetWarmupState(ctx context.Context, accountID, modelName string) (*model.WarmupState, error)
	ListWarmupStates(ctx context.Context, accountID string) ([]*model.WarmupState, error)
	UpsertWarmupState(ctx context.Context, w *model.WarmupState) error
	CreateWarmupRun(ctx context.Context, r *model.WarmupRun) error
	FinishWarmupRun(ctx context.Context, id, status string, summary model.WarmupSummary) error
	GetWarmupRun(ctx context.Context, id string) (*model.WarmupRun, error)
}

// SessionStore persists sessions keyed by token hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, tokenHash string) (*model.Session, error)
	TouchSession(ctx context.Context, tokenHash string, at time.Time) error
	RevokeSession(ctx context.Context, tokenHash string) error
	PurgeSessions(ctx context.Context, now time.Time) (int, error)
}

// EventStore persists audit events.
type EventStore interface {
	InsertEvent(ctx context.Context, e *model.Event) error
	ListEvents(ctx context.Context, accountID string, limit int) ([]model.Event, error)
}

// SecretStore persists sealed secret ciphertext. It never sees plaintext.
type SecretStore interface {
	PutSecret(ctx context.Context, ref, ciphertext string) error
	GetSecret(ctx context.Context, ref string) (string, error)
	DeleteSecret(ctx context.Context, ref string) error
}

// Store is the full persistence surface of the control plane.
type Store interface {
	AccountStore
	WarmupStore
	SessionStore
	EventStore
	SecretStore
	Ping(ctx context.Context) error
	Close() error
}
