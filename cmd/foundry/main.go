package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/seantiz/foundry/internal/admission"
	"github.com/seantiz/foundry/internal/api"
	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/deploy"
	"github.com/seantiz/foundry/internal/maintenance"
	"github.com/seantiz/foundry/internal/onboard"
	"github.com/seantiz/foundry/internal/redact"
	"github.com/seantiz/foundry/internal/router"
	"github.com/seantiz/foundry/internal/secrets"
	"github.com/seantiz/foundry/internal/session"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/workspace"
)

const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "foundry: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		envFile    string
		listenAddr string
		dbPath     string
		deployAll  bool
	)
	flagSet := pflag.NewFlagSet("foundry", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file (default $FOUNDRY_CONFIG_FILE)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flagSet.StringVar(&listenAddr, "listen", "", "override the listen address")
	flagSet.StringVar(&dbPath, "db", "", "override the SQLite database path")
	flagSet.BoolVar(&deployAll, "deploy-all", false, "onboard every non-disabled account at startup")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Info("foundry: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"warmup_mode", cfg.Warmup.Mode,
	)
	if cfg.AdminPassword == "" {
		logger.Warn("FOUNDRY_ADMIN_PASSWORD is not set; admin login is disabled")
	}

	redactor := redact.New(cfg.AdminPassword)
	db, err := store.NewSQLiteStore(cfg.DBPath, store.WithRedactor(redactor))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	identity, err := secrets.LoadOrCreateIdentity(cfg.VaultKeyPath)
	if err != nil {
		return err
	}
	vault := secrets.NewVault(db, identity, redactor)

	executor := &deploy.CommandExecutor{
		Command: cfg.Deploy.Command,
		Args:    cfg.Deploy.Args,
		Dir:     cfg.Deploy.Dir,
	}
	client := workspace.NewClient(cfg.Health.CallTimeout, nil)
	orch := onboard.New(db, vault, executor, client, onboard.SettingsFrom(cfg), logger,
		onboard.WithRedactor(redactor))

	reset, err := orch.ResetInterrupted(context.Background())
	if err != nil {
		return err
	}
	if len(reset) > 0 {
		logger.Warn("accounts left checking by a previous run marked failed", "accounts", len(reset))
	}

	sessions := session.NewManager(db)
	sched, err := maintenance.New(db, orch, orch, sessions, maintenance.Settings{
		RecoveryCooldown: cfg.Recovery.Cooldown,
		RecoverySchedule: cfg.Recovery.Schedule,
		PurgeSchedule:    cfg.Session.PurgeSchedule,
		WarmupSchedule:   cfg.Warmup.Schedule,
	}, logger)
	if err != nil {
		return err
	}
	sched.Start()

	if deployAll {
		started, err := orch.DeployAllAccounts(context.Background())
		if err != nil {
			return fmt.Errorf("deploy all accounts: %w", err)
		}
		logger.Info("onboarding started", "accounts", len(started))
	}

	srv := api.NewServer(cfg, api.Deps{
		Store:   db,
		Vault:   vault,
		Onboard: orch,
		Router: router.New(db, logger,
			router.WithMaxFailCount(cfg.Router.MaxFailCount),
			router.WithMaxAttempts(cfg.Router.MaxAttempts)),
		Queue:       admission.NewQueue(),
		Sessions:    sessions,
		Maintenance: sched,
	}, logger)

	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	sched.Stop(ctx)
	drain(ctx, orch)
	logger.Info("foundry: stopped")
	return runErr
}

// drain waits for in-flight onboarding until ctx is done. Runs still going
// at that point are abandoned; ResetInterrupted picks their accounts up on
// the next start.
func drain(ctx context.Context, orch *onboard.Orchestrator) {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
