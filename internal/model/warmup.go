package model

import "time"

// Warm-up modes.
const (
	WarmupOff        = "off"
	WarmupBestEffort = "best_effort"
	WarmupRequired   = "required"
)

// Warm-up run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Per-target warm-up outcomes recorded in a run summary.
const (
	OutcomeWarmed  = "warmed"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// WarmupState tracks warm-up bookkeeping for one (account, model) pair.
type WarmupState struct {
	AccountID     string     `json:"account_id"`
	Model         string     `json:"model"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// CoolingDown reports whether a new warm-up should be skipped at now.
func (w *WarmupState) CoolingDown(now time.Time) bool {
	return w.CooldownUntil != nil && now.Before(*w.CooldownUntil)
}

// Warm reports whether the last successful warm-up is still valid at now.
func (w *WarmupState) Warm(now time.Time) bool {
	return w.LastSuccessAt != nil && w.ExpiresAt != nil && now.Before(*w.ExpiresAt)
}

// WarmupSummary counts target outcomes of a warm-up run.
type WarmupSummary struct {
	Warmed  int               `json:"warmed"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// WarmupRun is one batch warm-up over a set of accounts and models.
type WarmupRun struct {
	ID          string        `json:"run_id"`
	TriggeredBy string        `json:"triggered_by"`
	Mode        string        `json:"mode"`
	AccountIDs  []string      `json:"account_ids"`
	Models      []string      `json:"models"`
	Status      string        `json:"status"`
	Summary     WarmupSummary `json:"summary"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}
