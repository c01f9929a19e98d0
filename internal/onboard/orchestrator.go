package onboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/deploy"
	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/redact"
	"github.com/seantiz/foundry/internal/secrets"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/workspace"
)

// ErrInProgress is returned when an onboarding run for the account is
// already in flight.
var ErrInProgress = errors.New("onboarding already in progress")

// ErrDisabled is returned when onboarding is requested for a disabled
// account. The operator must enable it first.
var ErrDisabled = fmt.Errorf("%w: account is disabled", store.ErrInvalidTransition)

// Store is the persistence the orchestrator needs.
type Store interface {
	store.AccountStore
	store.WarmupStore
	store.EventStore
}

// Vault opens sealed credentials and shared configuration.
type Vault interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	GetCredentials(ctx context.Context, ref string) (secrets.Credentials, error)
}

// Settings tune the onboarding steps.
type Settings struct {
	// RequiredSecrets names shared secrets every deploy needs.
	RequiredSecrets []string

	// URLTemplate builds a worker URL from a workspace name.
	URLTemplate string

	// MaxFailCount is the fail count at which a failing account is
	// disabled.
	MaxFailCount int

	Deploy config.DeployConfig
	Health config.HealthConfig
	Warmup config.WarmupConfig
}

// SettingsFrom extracts orchestrator settings from the application config.
func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		RequiredSecrets: cfg.RequiredSecrets,
		URLTemplate:     cfg.WorkspaceURLTemplate,
		MaxFailCount:    cfg.Router.MaxFailCount,
		Deploy:          cfg.Deploy,
		Health:          cfg.Health,
		Warmup:          cfg.Warmup,
	}
}

// Orchestrator runs onboarding asynchronously, one goroutine per account.
type Orchestrator struct {
	store    Store
	vault    Vault
	executor deploy.Executor
	client   *workspace.Client
	settings Settings
	logger   *slog.Logger
	redactor *redact.Redactor
	broker   *EventBroker
	now      func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRedactor scrubs deploy output and log attributes through r.
func WithRedactor(r *redact.Redactor) Option {
	return func(o *Orchestrator) { o.redactor = r }
}

// WithClock overrides the time source used for warm-up bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(s Store, v Vault, executor deploy.Executor, client *workspace.Client, settings Settings, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		vault:    v,
		executor: executor,
		client:   client,
		settings: settings,
		logger:   logger,
		broker:   NewEventBroker(),
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Broker returns the orchestrator's event broker for SSE subscription.
func (o *Orchestrator) Broker() *EventBroker {
	return o.broker
}

// DeployAccountAsync starts onboarding for account id and returns once the
// run is scheduled. A second request while a run is in flight returns
// ErrInProgress; a disabled account returns ErrDisabled.
func (o *Orchestrator) DeployAccountAsync(ctx context.Context, id string) error {
	a, err := o.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if a.Status == model.StatusDisabled {
		return ErrDisabled
	}
	if !o.claim(id) {
		return ErrInProgress
	}

	o.broker.Open(id)
	o.wg.Go(func() {
		defer o.release(id)
		defer o.broker.Close(id)
		o.onboard(id)
	})
	return nil
}

// DeployAllAccounts starts onboarding for every account that is not
// disabled and not already onboarding. It returns the ids started.
func (o *Orchestrator) DeployAllAccounts(ctx context.Context) ([]string, error) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var started []string
	for _, a := range accounts {
		if a.Status == model.StatusDisabled {
			continue
		}
		err := o.DeployAccountAsync(ctx, a.ID)
		switch {
		case err == nil:
			started = append(started, a.ID)
		case errors.Is(err, ErrInProgress), errors.Is(err, ErrDisabled):
		default:
			return started, err
		}
	}
	return started, nil
}

// ResetInterrupted fails accounts left in checking by a previous process,
// so automatic recovery can pick them up. It must run before any onboarding
// is started.
func (o *Orchestrator) ResetInterrupted(ctx context.Context) ([]string, error) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var reset []string
	for _, a := range accounts {
		if a.Status != model.StatusChecking || o.InProgress(a.ID) {
			continue
		}
		if _, err := o.store.MarkFailed(ctx, a.ID, "onboarding interrupted by restart", o.settings.MaxFailCount); err != nil {
			return reset, fmt.Errorf("reset account %s: %w", a.ID, err)
		}
		reset = append(reset, a.ID)
	}
	return reset, nil
}

// InProgress reports whether account id is being onboarded.
func (o *Orchestrator) InProgress(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[id]
	return ok
}

// InFlight returns the number of accounts being onboarded.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

// Wait blocks until all in-flight onboarding and warm-up goroutines complete.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[id]; ok {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
}

// onboard runs the state machine for one account:
// checking → secret sync → deploy → health → [warm-up] → ready.
// Any step failure is written back through the failure policy.
func (o *Orchestrator) onboard(id string) {
	ctx := context.Background()
	start := time.Now()
	logger := o.logger.With("account_id", id)

	if err := o.store.UpdateAccountStatus(ctx, id, model.StatusChecking); err != nil {
		logger.Error("failed to start onboarding", "error", err)
		onboardingTotal.WithLabelValues("error").Inc()
		return
	}
	logger.Info("onboarding started")

	a, err := o.store.GetAccount(ctx, id)
	if err != nil {
		logger.Error("failed to load account", "error", err)
		onboardingTotal.WithLabelValues("error").Inc()
		return
	}

	req, err := o.syncSecrets(ctx, a)
	if err != nil {
		o.fail(ctx, a, model.StepSecretSync, failure.ConfigFailed, err.Error())
		return
	}
	o.record(ctx, id, model.StepSecretSync, true,
		fmt.Sprintf("credentials and %d shared secrets available", len(o.settings.RequiredSecrets)))

	result, err := o.deployWithRetry(ctx, req)
	if err != nil {
		o.fail(ctx, a, model.StepDeploy, "", err.Error())
		return
	}
	if err := o.store.SetWorkspace(ctx, id, result.Workspace); err != nil {
		logger.Error("failed to record workspace", "error", err)
		onboardingTotal.WithLabelValues("error").Inc()
		return
	}
	a, err = o.store.GetAccount(ctx, id)
	if err != nil {
		logger.Error("failed to reload account", "error", err)
		onboardingTotal.WithLabelValues("error").Inc()
		return
	}

	baseURL := workspace.URLFor(o.settings.URLTemplate, a.Workspace)
	if err := o.checkHealth(ctx, a, baseURL); err != nil {
		t := failure.Type("")
		if workspace.IsRateLimited(err) {
			t = failure.QuotaExceeded
		}
		o.fail(ctx, a, model.StepHealth, t, err.Error())
		return
	}

	if o.settings.Warmup.Mode != model.WarmupOff {
		run, err := o.warmOnboarding(ctx, a, baseURL)
		if err != nil && o.settings.Warmup.Mode == model.WarmupRequired {
			o.fail(ctx, a, model.StepWarmup, "", err.Error())
			return
		}
		if err != nil {
			logger.Warn("best-effort warm-up failed", "run_id", run, "error", o.redactor.String(err.Error()))
		}
	}

	if err := o.store.MarkReady(ctx, id); err != nil {
		o.record(ctx, id, model.StepPromote, false, err.Error())
		logger.Error("failed to promote account", "error", err)
		onboardingTotal.WithLabelValues("error").Inc()
		return
	}
	o.record(ctx, id, model.StepPromote, true, "account ready at "+a.Workspace)
	onboardingTotal.WithLabelValues(model.StatusReady).Inc()
	logger.Info("onboarding complete", "workspace", a.Workspace, "duration_ms", time.Since(start).Milliseconds())
}

// fail records the failed step and applies the failure policy. An empty t
// classifies errText.
func (o *Orchestrator) fail(ctx context.Context, a *model.Account, step string, t failure.Type, errText string) {
	o.record(ctx, a.ID, step, false, errText)

	var (
		updated *model.Account
		err     error
	)
	if t == "" {
		updated, err = o.store.MarkFailed(ctx, a.ID, errText, o.settings.MaxFailCount)
	} else {
		updated, err = o.store.MarkFailedAs(ctx, a.ID, t, errText, o.settings.MaxFailCount)
	}
	if err != nil {
		o.logger.Error("failed to record onboarding failure", "account_id", a.ID, "step", step, "error", err)
		onboardingTotal.WithLabelValues("error").Inc()
		return
	}

	onboardingTotal.WithLabelValues(updated.Status).Inc()
	o.logger.Warn("onboarding failed",
		"account_id", a.ID,
		"step", step,
		"status", updated.Status,
		"failure_type", updated.FailureType,
		"fail_count", updated.FailCount,
		"error", updated.LastError,
	)
}

// record writes an audit event and publishes it to live subscribers. The
// store redacts the detail; the published event carries the stored form.
func (o *Orchestrator) record(ctx context.Context, accountID, step string, success bool, detail string) {
	e := &model.Event{
		AccountID: accountID,
		Step:      step,
		Success:   success,
		Detail:    detail,
	}
	if err := o.store.InsertEvent(ctx, e); err != nil {
		o.logger.Error("failed to record event", "account_id", accountID, "step", step, "error", err)
		e.Detail = o.redactor.Detail(detail)
	}
	o.broker.Publish(accountID, Message{Kind: MessageStep, Event: e})
}
