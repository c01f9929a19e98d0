package model

import "time"

// Onboarding step names recorded in audit events.
const (
	StepSecretSync = "secret_sync"
	StepDeploy     = "deploy"
	StepHealth     = "health_check"
	StepWarmup     = "warmup"
	StepPromote    = "promote"
	StepRecover    = "recover"
)

// Event is an audit record for one onboarding or maintenance step.
type Event struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Step      string    `json:"step"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
