package onboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/workspace"
)

// maxConcurrentWarmups bounds how many accounts a batch run warms at once.
const maxConcurrentWarmups = 4

// ErrNoModels is returned when a warm-up names no models and none are
// configured.
var ErrNoModels = errors.New("no warm-up models configured")

// ErrUnknownMode is returned for a warm-up mode other than best_effort or
// required.
var ErrUnknownMode = errors.New("unknown warm-up mode")

// WarmupRequest describes a batch warm-up.
type WarmupRequest struct {
	// AccountIDs limits the run to these accounts. Empty means every ready
	// account.
	AccountIDs []string `json:"account_ids"`

	// Models overrides the configured model set.
	Models []string `json:"models"`

	// Mode is best_effort or required. Empty means best_effort.
	Mode string `json:"mode"`

	// Force ignores warm-up cooldowns.
	Force bool `json:"force"`

	TriggeredBy string `json:"-"`
}

// target is one (account, model) warm-up.
type target struct {
	account *model.Account
	baseURL string
	model   string
}

func (t target) key() string { return t.account.ID + "/" + t.model }

// runTally accumulates target outcomes from concurrent workers.
type runTally struct {
	mu      sync.Mutex
	summary model.WarmupSummary
}

func (r *runTally) add(t target, outcome string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case model.OutcomeWarmed:
		r.summary.Warmed++
	case model.OutcomeSkipped:
		r.summary.Skipped++
	case model.OutcomeFailed:
		r.summary.Failed++
		if r.summary.Errors == nil {
			r.summary.Errors = make(map[string]string)
		}
		r.summary.Errors[t.key()] = err.Error()
	}
}

// runStatus derives a terminal run status from its summary.
func runStatus(mode string, s model.WarmupSummary) string {
	switch {
	case s.Failed == 0:
		return model.RunSucceeded
	case s.Warmed == 0 && s.Skipped == 0:
		return model.RunFailed
	case mode == model.WarmupRequired:
		return model.RunFailed
	default:
		return model.RunPartial
	}
}

// warmOnboarding warms the configured models on a freshly deployed account
// and returns the run id. A non-nil error means at least one model failed.
func (o *Orchestrator) warmOnboarding(ctx context.Context, a *model.Account, baseURL string) (string, error) {
	if len(o.settings.Warmup.Models) == 0 {
		return "", ErrNoModels
	}
	run := &model.WarmupRun{
		ID:          model.NewID(),
		TriggeredBy: "onboarding",
		Mode:        o.settings.Warmup.Mode,
		AccountIDs:  []string{a.ID},
		Models:      o.settings.Warmup.Models,
		Status:      model.RunRunning,
	}
	if err := o.store.CreateWarmupRun(ctx, run); err != nil {
		return "", fmt.Errorf("create warmup run: %w", err)
	}

	targets := make([]target, 0, len(run.Models))
	for _, m := range run.Models {
		targets = append(targets, target{account: a, baseURL: baseURL, model: m})
	}
	summary := o.executeRun(ctx, run, targets, false)

	if summary.Failed > 0 {
		return run.ID, fmt.Errorf("warmup failed for %d of %d models: %s",
			summary.Failed, len(targets), joinErrors(summary.Errors))
	}
	return run.ID, nil
}

// StartWarmup creates a batch warm-up run and executes it in the
// background. The returned run is in the running status; poll it by id.
func (o *Orchestrator) StartWarmup(ctx context.Context, req WarmupRequest) (*model.WarmupRun, error) {
	run, targets, err := o.prepareRun(ctx, req)
	if err != nil {
		return nil, err
	}
	o.wg.Go(func() {
		o.executeRun(context.Background(), run, targets, req.Force)
	})
	return run, nil
}

// WarmAccounts runs a batch warm-up to completion and returns the finished
// run.
func (o *Orchestrator) WarmAccounts(ctx context.Context, req WarmupRequest) (*model.WarmupRun, error) {
	run, targets, err := o.prepareRun(ctx, req)
	if err != nil {
		return nil, err
	}
	o.executeRun(ctx, run, targets, req.Force)
	return o.store.GetWarmupRun(ctx, run.ID)
}

func (o *Orchestrator) prepareRun(ctx context.Context, req WarmupRequest) (*model.WarmupRun, []target, error) {
	models := req.Models
	if len(models) == 0 {
		models = o.settings.Warmup.Models
	}
	if len(models) == 0 {
		return nil, nil, ErrNoModels
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = model.WarmupBestEffort
	case model.WarmupBestEffort, model.WarmupRequired:
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	accounts, err := o.warmupAccounts(ctx, req.AccountIDs)
	if err != nil {
		return nil, nil, err
	}

	run := &model.WarmupRun{
		ID:          model.NewID(),
		TriggeredBy: req.TriggeredBy,
		Mode:        mode,
		Models:      models,
		Status:      model.RunRunning,
	}
	var targets []target
	for _, a := range accounts {
		run.AccountIDs = append(run.AccountIDs, a.ID)
		baseURL := workspace.URLFor(o.settings.URLTemplate, a.Workspace)
		for _, m := range models {
			targets = append(targets, target{account: a, baseURL: baseURL, model: m})
		}
	}
	if err := o.store.CreateWarmupRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create warmup run: %w", err)
	}
	return run, targets, nil
}

// warmupAccounts resolves the accounts of a batch run. Only ready accounts
// with a workspace are warmed; explicitly named accounts that are not ready
// are an error.
func (o *Orchestrator) warmupAccounts(ctx context.Context, ids []string) ([]*model.Account, error) {
	if len(ids) == 0 {
		accounts, err := o.store.ListReadyAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list ready accounts: %w", err)
		}
		return accounts, nil
	}

	accounts := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		a, err := o.store.GetAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get account %s: %w", id, err)
		}
		if a.Status != model.StatusReady || a.Workspace == "" {
			return nil, fmt.Errorf("%w: account %s is %s", store.ErrInvalidTransition, id, a.Status)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// executeRun warms every target, records per-account events and finishes
// the run. Accounts are warmed concurrently up to maxConcurrentWarmups and
// each account's models concurrently.
func (o *Orchestrator) executeRun(ctx context.Context, run *model.WarmupRun, targets []target, force bool) model.WarmupSummary {
	tally := &runTally{}

	byAccount := make(map[string][]target)
	var order []string
	for _, t := range targets {
		if _, ok := byAccount[t.account.ID]; !ok {
			order = append(order, t.account.ID)
		}
		byAccount[t.account.ID] = append(byAccount[t.account.ID], t)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentWarmups)
	for _, id := range order {
		g.Go(func() error {
			o.warmAccount(ctx, run, byAccount[id], force, tally)
			return nil
		})
	}
	g.Wait()

	status := runStatus(run.Mode, tally.summary)
	if len(targets) == 0 {
		status = model.RunSucceeded
	}
	if err := o.store.FinishWarmupRun(ctx, run.ID, status, tally.summary); err != nil {
		o.logger.Error("failed to finish warmup run", "run_id", run.ID, "error", err)
	}
	warmupRunsTotal.WithLabelValues(status).Inc()
	o.logger.Info("warmup run finished",
		"run_id", run.ID,
		"status", status,
		"warmed", tally.summary.Warmed,
		"skipped", tally.summary.Skipped,
		"failed", tally.summary.Failed,
	)
	return tally.summary
}

// warmAccount warms one account's models concurrently and records a single
// audit event for the account.
func (o *Orchestrator) warmAccount(ctx context.Context, run *model.WarmupRun, targets []target, force bool, tally *runTally) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
		warmed int
	)
	for _, t := range targets {
		g.Go(func() error {
			outcome, err := o.warmTarget(ctx, run, t, force)
			tally.add(t, outcome, err)
			warmupTargetsTotal.WithLabelValues(outcome).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case model.OutcomeFailed:
				failed = append(failed, fmt.Sprintf("%s: %v", t.model, err))
			case model.OutcomeWarmed:
				warmed++
			}
			return nil
		})
	}
	g.Wait()

	if len(targets) == 0 {
		return
	}
	id := targets[0].account.ID
	if len(failed) > 0 {
		o.record(ctx, id, model.StepWarmup, false,
			fmt.Sprintf("run %s: %s", run.ID, strings.Join(failed, "; ")))
		return
	}
	o.record(ctx, id, model.StepWarmup, true,
		fmt.Sprintf("run %s: %d of %d models warmed", run.ID, warmed, len(targets)))
}

// warmTarget triggers a warm-up for one (account, model) pair and polls it to
// completion, then stores the new warm-up state.
func (o *Orchestrator) warmTarget(ctx context.Context, run *model.WarmupRun, t target, force bool) (string, error) {
	state, err := o.store.GetWarmupState(ctx, t.account.ID, t.model)
	if errors.Is(err, store.ErrNotFound) {
		state = &model.WarmupState{AccountID: t.account.ID, Model: t.model}
	} else if err != nil {
		return model.OutcomeFailed, fmt.Errorf("load warmup state: %w", err)
	}

	now := o.now()
	// A required run only honors the cooldown of a model that is still warm.
	// A cold model skipped there would count as not warmed and fail the
	// account, so the warm-up is attempted even inside the cooldown.
	if !force && state.CoolingDown(now) && (run.Mode != model.WarmupRequired || state.Warm(now)) {
		return model.OutcomeSkipped, nil
	}

	warmErr := o.triggerAndPoll(ctx, run.ID, t)

	finished := o.now()
	cooldown := finished.Add(o.settings.Warmup.Cooldown)
	state.CooldownUntil = &cooldown
	state.LastRunID = run.ID
	if warmErr == nil {
		expires := finished.Add(o.settings.Warmup.TTL)
		state.LastSuccessAt = &finished
		state.ExpiresAt = &expires
		state.LastError = ""
	} else {
		state.LastError = warmErr.Error()
	}
	if err := o.store.UpsertWarmupState(ctx, state); err != nil {
		o.logger.Error("failed to store warmup state", "account_id", t.account.ID, "model", t.model, "error", err)
	}

	if warmErr != nil {
		return model.OutcomeFailed, warmErr
	}
	return model.OutcomeWarmed, nil
}

func (o *Orchestrator) triggerAndPoll(ctx context.Context, runID string, t target) error {
	cfg := o.settings.Warmup
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskID, err := o.client.TriggerWarmup(ctx, t.baseURL, t.model, runID)
	if err != nil {
		return fmt.Errorf("trigger warmup: %w", err)
	}

	var task workspace.Task
	err = retry.Do(ctx, retry.NewConstant(positive(cfg.PollInterval)), func(ctx context.Context) error {
		task, err = o.client.TaskStatus(ctx, t.baseURL, taskID)
		if err != nil {
			if workspace.IsRateLimited(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		if !task.Done() {
			return retry.RetryableError(fmt.Errorf("task %s is %s", taskID, task.Status))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("warmup timed out after %s", timeout)
		}
		return fmt.Errorf("poll warmup task: %w", err)
	}
	if task.Status == workspace.TaskFailed {
		if task.Error != "" {
			return fmt.Errorf("warmup task failed: %s", task.Error)
		}
		return errors.New("warmup task failed")
	}
	return nil
}

func joinErrors(errs map[string]string) string {
	parts := make([]string, 0, len(errs))
	for k, v := range errs {
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, "; ")
}
