// Package failure maps raw error text onto the account failure taxonomy and
// its recovery policy, and holds the user-facing error catalog.
package failure

import "strings"

// Type is a failure classification.
type Type string

// Failure types.
const (
	QuotaExceeded     Type = "quota_exceeded"
	AuthFailed        Type = "auth_failed"
	Timeout           Type = "timeout"
	ContainerFailed   Type = "container_failed"
	HealthCheckFailed Type = "health_check_failed"
	ConfigFailed      Type = "config_failed"
	Unknown           Type = "unknown"
)

// Policy says whether an account failed with a given Type may come back
// without operator action.
type Policy string

// Recovery policies.
const (
	ManualOnly  Policy = "manual_only"
	AutoRecover Policy = "auto_recover"
)

type rule struct {
	patterns []string
	typ      Type
}

// rules is evaluated in order; the first rule with a matching pattern wins.
var rules = []rule{
	{[]string{"quota", "limit exceeded", "insufficient credits"}, QuotaExceeded},
	{[]string{"auth", "unauthorized", "invalid token"}, AuthFailed},
	{[]string{"timeout", "timed out"}, Timeout},
	{[]string{"container", "deployment failed"}, ContainerFailed},
	{[]string{"health check", "not responding"}, HealthCheckFailed},
}

var policies = map[Type]Policy{
	QuotaExceeded:     ManualOnly,
	AuthFailed:        ManualOnly,
	ConfigFailed:      ManualOnly,
	Timeout:           AutoRecover,
	ContainerFailed:   AutoRecover,
	HealthCheckFailed: AutoRecover,
	Unknown:           AutoRecover,
}

// Classify returns the failure type and recovery policy for raw error text.
// Matching is case-insensitive. Text that matches no rule is Unknown.
func Classify(text string) (Type, Policy) {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r.typ, policies[r.typ]
			}
		}
	}
	return Unknown, AutoRecover
}

// PolicyFor returns the recovery policy of t. Unrecognized types recover
// automatically, the same as Unknown.
func PolicyFor(t Type) Policy {
	if p, ok := policies[t]; ok {
		return p
	}
	return AutoRecover
}

// Parse converts a stored failure type string back to a Type. Empty or
// unrecognized strings become Unknown.
func Parse(s string) Type {
	t := Type(s)
	if _, ok := policies[t]; ok {
		return t
	}
	return Unknown
}
