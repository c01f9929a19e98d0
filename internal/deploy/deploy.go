package deploy

import (
	"context"
	"regexp"

	"github.com/seantiz/foundry/internal/redact"
)

// Environment variables carrying the account credentials into the deploy
// command.
const (
	EnvTokenID     = "MODAL_TOKEN_ID"
	EnvTokenSecret = "MODAL_TOKEN_SECRET"
)

// Executor deploys the remote workload for one account.
type Executor interface {
	// Deploy runs one deploy attempt. The context carries the attempt
	// timeout. A nil error means Result.Workspace is set.
	Deploy(ctx context.Context, req Request) (Result, error)
}

// Request describes one deploy attempt.
type Request struct {
	AccountID   string `json:"account_id"`
	TokenID     string `json:"-"`
	TokenSecret string `json:"-"`

	// Env holds shared configuration values passed to the deploy tool,
	// keyed by environment variable name.
	Env map[string]string `json:"-"`

	// LogWriter is an optional callback invoked with each output line as
	// the deploy runs.
	LogWriter func(line string) `json:"-"`
}

// redactor covers the credential and shared values handed to the command.
func (r Request) redactor() *redact.Redactor {
	values := make([]string, 0, len(r.Env)+2)
	values = append(values, r.TokenID, r.TokenSecret)
	for _, v := range r.Env {
		values = append(values, v)
	}
	return redact.New(values...)
}

// Result holds what a successful deploy produced.
type Result struct {
	Workspace  string `json:"workspace"`
	URL        string `json:"url"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"-"`
	DurationMS int    `json:"duration_ms"`
}

// workspaceURL matches deployed endpoints of the form
// https://<workspace>--<app>.<domain>.
var workspaceURL = regexp.MustCompile(`https://([A-Za-z0-9][A-Za-z0-9-]*?)--[A-Za-z0-9-]+\.[A-Za-z0-9.-]+`)

// ParseWorkspace extracts the workspace name and endpoint URL from deploy
// output. It returns ok=false when the output names no endpoint.
func ParseWorkspace(output string) (workspace, url string, ok bool) {
	m := workspaceURL.FindStringSubmatch(output)
	if m == nil {
		return "", "", false
	}
	return m[1], m[0], true
}
