package model

import "time"

// Account status constants.
const (
	StatusPending  = "pending"
	StatusChecking = "checking"
	StatusReady    = "ready"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Every status may be rewritten to itself.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusPending:  true,
		StatusChecking: true,
		StatusFailed:   true,
		StatusDisabled: true,
	},
	StatusChecking: {
		StatusChecking: true,
		StatusReady:    true,
		StatusFailed:   true,
		StatusDisabled: true,
	},
	StatusReady: {
		StatusReady:    true,
		StatusChecking: true,
		StatusFailed:   true,
		StatusDisabled: true,
	},
	StatusFailed: {
		StatusFailed:   true,
		StatusChecking: true,
		StatusDisabled: true,
	},
	StatusDisabled: {
		StatusDisabled: true,
		StatusPending:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidStatus reports whether s is a known account status.
func ValidStatus(s string) bool {
	_, ok := validTransitions[s]
	return ok
}

// Account is a credential-scoped deployment target for GPU work.
//
// The credential pair itself never lives on the record: SecretRef points into
// the sealed secret table and is resolved through the vault only when a
// deploy needs it.
type Account struct {
	ID                string     `json:"id"`
	Label             string     `json:"label"`
	SecretRef         string     `json:"-"`
	Workspace         string     `json:"workspace,omitempty"`
	Status            string     `json:"status"`
	FailCount         int        `json:"fail_count"`
	FailureType       string     `json:"failure_type,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
	UseCount          int        `json:"use_count"`
	AddedAt           time.Time  `json:"added_at"`
	LastHealthCheck   *time.Time `json:"last_health_check,omitempty"`
	HealthCheckResult string     `json:"health_check_result,omitempty"`

	// VerifiedAt is set when onboarding of the current workspace completed
	// and cleared when a new onboarding run starts.
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Verified reports whether the account holds a workspace that passed
// onboarding.
func (a *Account) Verified() bool {
	return a.Workspace != "" && a.VerifiedAt != nil
}

// Routable reports whether the account may receive dispatched work.
func (a *Account) Routable() bool {
	return a.Status == StatusReady
}
