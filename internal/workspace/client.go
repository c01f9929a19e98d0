// Package workspace talks to the GPU worker deployed in an account's
// workspace: health probes, warm-up triggers and task status polls.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultURLTemplate is the endpoint of a deployed worker; {workspace} is
// replaced with the account's workspace name.
const DefaultURLTemplate = "https://{workspace}--gpu-worker.modal.run"

const (
	defaultTimeout = 10 * time.Second

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 1 << 20
)

// Task statuses reported by the worker.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// URLFor expands template for workspace. An empty template uses
// DefaultURLTemplate.
func URLFor(template, workspace string) string {
	if template == "" {
		template = DefaultURLTemplate
	}
	return strings.TrimRight(strings.ReplaceAll(template, "{workspace}", workspace), "/")
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Code == http.StatusTooManyRequests {
		return fmt.Sprintf("worker returned HTTP %d: rate limit exceeded", e.Code)
	}
	return fmt.Sprintf("worker returned HTTP %d", e.Code)
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// Health is the parsed body of a health probe.
type Health struct {
	Healthy bool   `json:"healthy"`
	BuildID string `json:"build_id,omitempty"`
}

// Task is the parsed body of a task status poll.
type Task struct {
	ID     string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Client calls worker endpoints. Every call is bounded by the client
// timeout in addition to the caller's context.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a client with the given per-call timeout. httpClient may
// be nil.
func NewClient(timeout time.Duration, httpClient *http.Client) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, timeout: timeout}
}

// Health probes baseURL/health. Only a body that explicitly reports healthy
// (status "healthy" or "ok", or healthy=true) counts.
func (c *Client) Health(ctx context.Context, baseURL string) (Health, error) {
	body, err := c.do(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	status := strings.ToLower(gjson.GetBytes(body, "status").String())
	return Health{
		Healthy: status == "healthy" || status == "ok" || gjson.GetBytes(body, "healthy").Bool(),
		BuildID: gjson.GetBytes(body, "build_id").String(),
	}, nil
}

// TriggerWarmup asks the worker to load model and returns the task id to
// poll.
func (c *Client) TriggerWarmup(ctx context.Context, baseURL, model, runID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"model": model, "run_id": runID})
	if err != nil {
		return "", fmt.Errorf("encode warmup request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, baseURL+"/warmup", payload)
	if err != nil {
		return "", err
	}
	taskID := gjson.GetBytes(body, "task_id").String()
	if taskID == "" {
		return "", errors.New("warmup response has no task_id")
	}
	return taskID, nil
}

// TaskStatus polls baseURL/tasks/{taskID}.
func (c *Client) TaskStatus(ctx context.Context, baseURL, taskID string) (Task, error) {
	body, err := c.do(ctx, http.MethodGet, baseURL+"/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:     taskID,
		Status: strings.ToLower(gjson.GetBytes(body, "status").String()),
		Error:  gjson.GetBytes(body, "error").String(),
	}, nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s %s: request timed out after %s", method, req.URL.Path, c.timeout)
		}
		return nil, fmt.Errorf("%s %s: worker not responding: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s %s: response is not valid JSON", method, req.URL.Path)
	}
	return body, nil
}
