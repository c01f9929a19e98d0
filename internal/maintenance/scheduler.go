// Package maintenance runs the control plane's periodic jobs: automatic
// recovery of failed accounts, session purge, and scheduled warm-up.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/onboard"
)

// jobTimeout bounds a single run of any scheduled job.
const jobTimeout = 5 * time.Minute

// Store is the persistence the scheduler needs.
type Store interface {
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	RecoverFailedAccounts(ctx context.Context, cooldown time.Duration) ([]string, error)
	InsertEvent(ctx context.Context, e *model.Event) error
}

// Deployer restarts onboarding for an account.
type Deployer interface {
	DeployAccountAsync(ctx context.Context, id string) error
}

// Warmer runs a batch warm-up to completion.
type Warmer interface {
	WarmAccounts(ctx context.Context, req onboard.WarmupRequest) (*model.WarmupRun, error)
}

// Purger deletes expired and revoked sessions.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Settings hold the job schedules. An empty schedule disables its job.
type Settings struct {
	RecoveryCooldown time.Duration
	RecoverySchedule string
	PurgeSchedule    string
	WarmupSchedule   string
}

// Report summarizes one recovery pass.
type Report struct {
	// Recovered accounts went straight back to ready on their existing
	// workspace.
	Recovered []string `json:"recovered"`

	// Redeployed accounts never produced a workspace and were handed back
	// to onboarding.
	Redeployed []string `json:"redeployed"`
}

// Scheduler owns the cron runner and the jobs it drives.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	deployer Deployer
	warmer   Warmer
	purger   Purger
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used to decide redeploys.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler and registers every job with a non-empty
// schedule. An invalid schedule is an error.
func New(st Store, deployer Deployer, warmer Warmer, purger Purger, settings Settings, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		store:    st,
		deployer: deployer,
		warmer:   warmer,
		purger:   purger,
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"recovery", settings.RecoverySchedule, func(ctx context.Context) error {
			_, err := s.Recover(ctx)
			return err
		}},
		{"session_purge", settings.PurgeSchedule, func(ctx context.Context) error {
			_, err := s.PurgeSessions(ctx)
			return err
		}},
		{"warmup", settings.WarmupSchedule, func(ctx context.Context) error {
			_, err := s.Warm(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, s.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.schedule, err)
		}
		logger.Info("maintenance job scheduled", "job", j.name, "schedule", j.schedule)
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("maintenance jobs still running at shutdown")
	}
}

// Jobs reports the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		err := run(ctx)
		result := "success"
		if err != nil {
			result = "error"
			s.logger.Error("maintenance job failed", "job", name, "error", err)
		}
		jobRunsTotal.WithLabelValues(name, result).Inc()
		s.logger.Debug("maintenance job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Recover returns auto-recoverable failed accounts to service. Accounts
// whose workspace passed onboarding go straight back to ready once the
// cooldown has passed; accounts that failed during onboarding are
// redeployed.
func (s *Scheduler) Recover(ctx context.Context) (Report, error) {
	var report Report

	recovered, err := s.store.RecoverFailedAccounts(ctx, s.settings.RecoveryCooldown)
	if err != nil {
		return report, fmt.Errorf("recover failed accounts: %w", err)
	}
	report.Recovered = recovered
	for _, id := range recovered {
		s.event(ctx, id, "recovered after cooldown")
		s.logger.Info("account recovered", "account_id", id)
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	now := s.now()
	for _, a := range accounts {
		if !RedeployDue(a, s.settings.RecoveryCooldown, now) {
			continue
		}
		err := s.deployer.DeployAccountAsync(ctx, a.ID)
		switch {
		case errors.Is(err, onboard.ErrInProgress):
			continue
		case err != nil:
			s.logger.Warn("redeploy failed to start", "account_id", a.ID, "error", err)
			continue
		}
		report.Redeployed = append(report.Redeployed, a.ID)
		s.event(ctx, a.ID, "redeploy scheduled after cooldown")
	}

	recoveredTotal.WithLabelValues("recovered").Add(float64(len(report.Recovered)))
	recoveredTotal.WithLabelValues("redeployed").Add(float64(len(report.Redeployed)))
	return report, nil
}

// RedeployDue reports whether a failed account should go back through
// onboarding at now. Accounts with a verified workspace are left to
// store.RecoveryDue.
func RedeployDue(a *model.Account, cooldown time.Duration, now time.Time) bool {
	if a.Status != model.StatusFailed || a.FailedAt == nil || a.Verified() {
		return false
	}
	if failure.PolicyFor(failure.Parse(a.FailureType)) != failure.AutoRecover {
		return false
	}
	return now.Sub(*a.FailedAt) > cooldown
}

// PurgeSessions deletes expired and revoked sessions.
func (s *Scheduler) PurgeSessions(ctx context.Context) (int, error) {
	n, err := s.purger.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("sessions purged", "count", n)
	}
	return n, nil
}

// Warm runs a best-effort warm-up over every ready account.
func (s *Scheduler) Warm(ctx context.Context) (*model.WarmupRun, error) {
	run, err := s.warmer.WarmAccounts(ctx, onboard.WarmupRequest{
		Mode:        model.WarmupBestEffort,
		TriggeredBy: "schedule",
	})
	if errors.Is(err, onboard.ErrNoModels) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduled warmup: %w", err)
	}
	return run, nil
}

func (s *Scheduler) event(ctx context.Context, id, detail string) {
	e := &model.Event{AccountID: id, Step: model.StepRecover, Success: true, Detail: detail}
	if err := s.store.InsertEvent(ctx, e); err != nil {
		s.logger.Error("failed to record event", "account_id", id, "error", err)
	}
}
