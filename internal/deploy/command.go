package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNoWorkspace is returned when the deploy command succeeds but its output
// names no workspace endpoint.
var ErrNoWorkspace = errors.New("deployment failed: no workspace url in deploy output")

const waitDelay = 5 * time.Second

// CommandExecutor runs an external deploy tool, e.g.
// "modal deploy app.py", once per attempt.
type CommandExecutor struct {
	Command string
	Args    []string
	Dir     string
}

var _ Executor = (*CommandExecutor)(nil)

// Deploy runs the command with the account credentials and shared values in
// its environment and parses the workspace from the combined output.
func (c *CommandExecutor) Deploy(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, EnvTokenID+"="+req.TokenID, EnvTokenSecret+"="+req.TokenSecret)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Stdout and stderr share one writer, so Write is never called
	// concurrently. WaitDelay stops Wait from hanging on pipes held open by
	// orphaned children after the deadline kills the command.
	out := &lineWriter{logWriter: req.LogWriter}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	waitErr := cmd.Run()
	out.flush()

	res := Result{
		Output:     out.output.String(),
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("deploy timed out after %s", time.Since(start).Round(time.Second))
		}
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		// The tail is redacted whole and left untruncated; the store cuts
		// it down only after its own redaction pass.
		return res, fmt.Errorf("deploy exited with code %d: %s",
			res.ExitCode, req.redactor().String(lastLines(res.Output)))
	}

	workspace, url, ok := ParseWorkspace(res.Output)
	if !ok {
		return res, ErrNoWorkspace
	}
	res.Workspace = workspace
	res.URL = url
	return res, nil
}

// lineWriter accumulates command output and forwards each complete line to
// logWriter.
type lineWriter struct {
	output    strings.Builder
	partial   []byte
	logWriter func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.output.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.logWriter != nil {
		w.logWriter(strings.TrimRight(line, "\r"))
	}
}

// lastLines keeps the tail of the output, where deploy tools print errors.
func lastLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
