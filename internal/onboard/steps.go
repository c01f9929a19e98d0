package onboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/seantiz/foundry/internal/deploy"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/secrets"
	"github.com/seantiz/foundry/internal/workspace"
)

// syncSecrets opens the account credentials and every required shared
// secret before any remote call is made.
func (o *Orchestrator) syncSecrets(ctx context.Context, a *model.Account) (deploy.Request, error) {
	creds, err := o.vault.GetCredentials(ctx, a.SecretRef)
	if err != nil {
		return deploy.Request{}, fmt.Errorf("config failed: account credentials: %w", err)
	}

	env := make(map[string]string, len(o.settings.RequiredSecrets))
	var missing []string
	for _, name := range o.settings.RequiredSecrets {
		val, err := o.vault.Get(ctx, secrets.SharedRef(name))
		switch {
		case errors.Is(err, secrets.ErrNotFound):
			missing = append(missing, name)
		case err != nil:
			return deploy.Request{}, fmt.Errorf("config failed: shared secret %s: %w", name, err)
		default:
			env[strings.ToUpper(name)] = string(val)
		}
	}
	if len(missing) > 0 {
		return deploy.Request{}, fmt.Errorf("config failed: required shared secrets not set: %s",
			strings.Join(missing, ", "))
	}

	return deploy.Request{
		AccountID:   a.ID,
		TokenID:     creds.TokenID,
		TokenSecret: creds.TokenSecret,
		Env:         env,
		LogWriter: func(line string) {
			o.broker.Publish(a.ID, Message{Kind: MessageLog, Line: o.redactor.String(line)})
		},
	}, nil
}

// deployWithRetry runs up to Deploy.MaxAttempts deploy attempts with capped
// exponential backoff between them. Every attempt is recorded.
func (o *Orchestrator) deployWithRetry(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	cfg := o.settings.Deploy
	attempts := max(cfg.MaxAttempts, 1)

	b := retry.NewExponential(positive(cfg.BackoffBase))
	b = retry.WithCappedDuration(positive(cfg.BackoffCap), b)
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	var (
		result  deploy.Result
		attempt int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		res, err := o.deployAttempt(ctx, req)
		elapsed := time.Since(start).Seconds()

		if err != nil {
			deployAttemptDuration.WithLabelValues("failure").Observe(elapsed)
			o.record(ctx, req.AccountID, model.StepDeploy, false,
				fmt.Sprintf("attempt %d/%d: %v", attempt, attempts, err))
			o.logger.Warn("deploy attempt failed",
				"account_id", req.AccountID,
				"attempt", attempt,
				"error", o.redactor.String(err.Error()),
			)
			return retry.RetryableError(err)
		}

		deployAttemptDuration.WithLabelValues("success").Observe(elapsed)
		o.record(ctx, req.AccountID, model.StepDeploy, true,
			fmt.Sprintf("attempt %d/%d: deployed workspace %s", attempt, attempts, res.Workspace))
		result = res
		return nil
	})
	if err != nil {
		return deploy.Result{}, fmt.Errorf("deployment failed after %d attempts: %w", attempt, err)
	}
	return result, nil
}

// deployAttempt runs one attempt under the hard timeout. An attempt that
// outlives the timeout is abandoned; the executor goroutine may still be
// finishing in the background.
func (o *Orchestrator) deployAttempt(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	timeout := o.settings.Deploy.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res deploy.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.executor.Deploy(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err == nil && out.res.Workspace == "" {
			return out.res, deploy.ErrNoWorkspace
		}
		return out.res, out.err
	case <-ctx.Done():
		return deploy.Result{}, fmt.Errorf("deploy timed out after %s", timeout)
	}
}

// healthyResult is the cached probe result for a healthy worker running
// buildID.
func healthyResult(buildID string) string {
	if buildID == "" {
		return "healthy"
	}
	return "healthy build=" + buildID
}

// checkHealth probes the worker until it reports healthy, reusing a fresh
// cached result when one exists.
func (o *Orchestrator) checkHealth(ctx context.Context, a *model.Account, baseURL string) error {
	cfg := o.settings.Health
	want := healthyResult(cfg.BuildID)

	if a.LastHealthCheck != nil && a.HealthCheckResult == want &&
		o.now().Sub(*a.LastHealthCheck) < cfg.CacheTTL {
		o.record(ctx, a.ID, model.StepHealth, true,
			"cached result from "+a.LastHealthCheck.Format(time.RFC3339))
		return nil
	}

	attempts := max(cfg.Attempts, 1)
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(positive(cfg.Interval)))

	var lastErr error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		h, err := o.client.Health(ctx, baseURL)
		switch {
		case workspace.IsRateLimited(err):
			return err
		case err != nil:
			lastErr = err
		case !h.Healthy:
			lastErr = errors.New("worker not reporting healthy")
		case cfg.BuildID != "" && h.BuildID != cfg.BuildID:
			lastErr = fmt.Errorf("build id mismatch: want %s, got %q; redeploy required", cfg.BuildID, h.BuildID)
		default:
			return nil
		}
		return retry.RetryableError(lastErr)
	})
	if err != nil {
		if workspace.IsRateLimited(err) {
			return fmt.Errorf("health check: %w", err)
		}
		return fmt.Errorf("health check failed after %d attempts: %w", attempts, err)
	}

	if err := o.store.UpdateHealthCheck(ctx, a.ID, want); err != nil {
		o.logger.Error("failed to cache health check", "account_id", a.ID, "error", err)
	}
	o.record(ctx, a.ID, model.StepHealth, true, want)
	return nil
}

// positive guards backoff constructors against non-positive durations.
func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
