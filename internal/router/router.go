// Package router selects a ready execution account for each dispatch and
// feeds dispatch outcomes back into the account lifecycle.
//
// Selection is deliberately not atomic with the usage update that follows
// it: two concurrent callers may pick the same least-used account. The
// failover loop absorbs the resulting mis-selection.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/seantiz/foundry/internal/model"
)

// Defaults for failure escalation and the failover loop.
const (
	DefaultMaxFailCount = 3
	DefaultMaxAttempts  = 3
)

// ErrNoReadyAccount is returned when no account is in the ready status.
var ErrNoReadyAccount = errors.New("no ready account")

// ErrExhausted is returned when every ready account has already been tried.
// It wraps ErrNoReadyAccount so callers that only care about availability
// can test for that.
var ErrExhausted = fmt.Errorf("%w: every ready account already tried", ErrNoReadyAccount)

// AccountStore is the subset of the store the router needs.
type AccountStore interface {
	ListReadyAccounts(ctx context.Context) ([]*model.Account, error)
	RecordUse(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errText string, maxFailCount int) (*model.Account, error)
}

// Router picks accounts in rotation order (least used first, then least
// recently used).
type Router struct {
	store        AccountStore
	logger       *slog.Logger
	maxFailCount int
	maxAttempts  int

	// mu guards only the read-and-return step of selection.
	mu sync.Mutex
}

// Option configures a Router.
type Option func(*Router)

// WithMaxFailCount sets the fail count at which a failing account is
// disabled.
func WithMaxFailCount(n int) Option {
	return func(r *Router) { r.maxFailCount = n }
}

// WithMaxAttempts sets how many accounts Dispatch tries before giving up.
func WithMaxAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// New creates a Router over s.
func New(s AccountStore, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		store:        s,
		logger:       logger,
		maxFailCount: DefaultMaxFailCount,
		maxAttempts:  DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pick returns the head of the ready rotation.
func (r *Router) Pick(ctx context.Context) (*model.Account, error) {
	return r.PickWithFallback(ctx, nil)
}

// PickWithFallback returns the head of the ready rotation excluding the
// account ids in tried. It returns ErrNoReadyAccount when the pool has no
// ready account and ErrExhausted when all of them are in tried.
func (r *Router) PickWithFallback(ctx context.Context, tried []string) (*model.Account, error) {
	a, err := r.pick(ctx, tried)
	switch {
	case err == nil:
		pickTotal.WithLabelValues("picked").Inc()
	case errors.Is(err, ErrExhausted):
		pickTotal.WithLabelValues("exhausted").Inc()
	case errors.Is(err, ErrNoReadyAccount):
		pickTotal.WithLabelValues("none").Inc()
	}
	return a, err
}

func (r *Router) pick(ctx context.Context, tried []string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.store.ListReadyAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ready accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoReadyAccount
	}
	for _, a := range accounts {
		if !slices.Contains(tried, a.ID) {
			return a, nil
		}
	}
	return nil, ErrExhausted
}

// MarkSuccess records a successful dispatch on account id.
func (r *Router) MarkSuccess(ctx context.Context, id string) error {
	if err := r.store.RecordUse(ctx, id); err != nil {
		return fmt.Errorf("record use: %w", err)
	}
	return nil
}

// MarkFailed records a failed dispatch on account id and applies the failure
// policy with the router's max fail count. It returns the updated account.
func (r *Router) MarkFailed(ctx context.Context, id string, cause error) (*model.Account, error) {
	text := "dispatch failed"
	if cause != nil {
		text = cause.Error()
	}
	a, err := r.store.MarkFailed(ctx, id, text, r.maxFailCount)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	dispatchFailures.WithLabelValues(a.FailureType).Inc()
	r.logger.Warn("dispatch failed",
		"account_id", id,
		"status", a.Status,
		"failure_type", a.FailureType,
		"fail_count", a.FailCount,
	)
	return a, nil
}

// Dispatch runs fn against ready accounts until one succeeds, trying at most
// the configured number of distinct accounts. Each failure is recorded
// through MarkFailed before the next account is picked. It returns the
// account that served the call.
func (r *Router) Dispatch(ctx context.Context, fn func(context.Context, *model.Account) error) (*model.Account, error) {
	var tried []string
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a, err := r.PickWithFallback(ctx, tried)
		if err != nil {
			return nil, err
		}

		callErr := fn(ctx, a)
		if callErr == nil {
			if err := r.MarkSuccess(ctx, a.ID); err != nil {
				r.logger.Error("failed to record dispatch success", "account_id", a.ID, "error", err)
			}
			return a, nil
		}

		tried = append(tried, a.ID)
		if _, err := r.MarkFailed(ctx, a.ID, callErr); err != nil {
			r.logger.Error("failed to record dispatch failure", "account_id", a.ID, "attempt", attempt, "error", err)
		}
	}
	return nil, fmt.Errorf("dispatch after %d attempts: %w", r.maxAttempts, ErrExhausted)
}
