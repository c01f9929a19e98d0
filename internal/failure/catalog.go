package failure

// Info is the user-facing description of a failure: a stable code and the
// next action an operator or client should take.
type Info struct {
	Code   string `json:"code"`
	Action string `json:"action"`
}

var catalog = map[Type]Info{
	QuotaExceeded: {
		Code:   "ACCOUNT_QUOTA_EXCEEDED",
		Action: "add credits or raise the quota on the provider account, then enable it",
	},
	AuthFailed: {
		Code:   "ACCOUNT_AUTH_FAILED",
		Action: "replace the account credentials, then enable it",
	},
	Timeout: {
		Code:   "ACCOUNT_TIMEOUT",
		Action: "wait for automatic recovery or redeploy the account",
	},
	ContainerFailed: {
		Code:   "ACCOUNT_CONTAINER_FAILED",
		Action: "inspect the deploy events and redeploy the account",
	},
	HealthCheckFailed: {
		Code:   "ACCOUNT_UNHEALTHY",
		Action: "wait for automatic recovery or redeploy the account",
	},
	ConfigFailed: {
		Code:   "SHARED_CONFIG_MISSING",
		Action: "store the missing shared secrets, then enable the account",
	},
	Unknown: {
		Code:   "ACCOUNT_FAILED",
		Action: "inspect the account events and redeploy the account",
	},
}

// Describe returns the catalog entry for t.
func Describe(t Type) Info {
	if info, ok := catalog[t]; ok {
		return info
	}
	return catalog[Unknown]
}

// Codes for failures that are not tied to a single account.
const (
	CodeNoReadyAccount = "NO_READY_ACCOUNT"
	CodeOverloaded     = "QUEUE_OVERLOADED"
	CodeUnauthorized   = "SESSION_INVALID"
	CodeSessionExpired = "SESSION_EXPIRED"
	CodeForbidden      = "SESSION_FORBIDDEN"
	CodeInProgress     = "ONBOARDING_IN_PROGRESS"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "INVALID_TRANSITION"
	CodeInternal       = "INTERNAL"
)

var actions = map[string]string{
	CodeNoReadyAccount: "retry later or use the degraded shared queue",
	CodeOverloaded:     "retry after a short delay",
	CodeUnauthorized:   "create a new session",
	CodeSessionExpired: "create a new session",
	CodeForbidden:      "use an admin session",
	CodeInProgress:     "wait for the running onboarding to finish",
	CodeInvalidRequest: "fix the request body and retry",
	CodeNotFound:       "check the identifier",
	CodeConflict:       "check the account status before retrying",
	CodeInternal:       "retry; contact the operator if it persists",
}

// ActionFor returns the suggested next action for a non-account code.
func ActionFor(code string) string {
	return actions[code]
}
