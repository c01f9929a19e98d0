package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/foundry/internal/model"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "foundry.db"
	defaultVaultKeyPath = "foundry.key"

	envConfigFile        = "FOUNDRY_CONFIG_FILE"
	envListenAddr        = "FOUNDRY_LISTEN_ADDR"
	envDBPath            = "FOUNDRY_DB_PATH"
	envLogLevel          = "FOUNDRY_LOG_LEVEL"
	envLogFormat         = "FOUNDRY_LOG_FORMAT"
	envVaultKeyPath      = "FOUNDRY_VAULT_KEY"
	envAdminPassword     = "FOUNDRY_ADMIN_PASSWORD"
	envCORSOrigins       = "FOUNDRY_CORS_ORIGINS"
	envWorkspaceTemplate = "FOUNDRY_WORKSPACE_URL_TEMPLATE"
	envRequiredSecrets   = "FOUNDRY_REQUIRED_SECRETS"
	envDeployCommand     = "FOUNDRY_DEPLOY_COMMAND"
	envBuildID           = "FOUNDRY_BUILD_ID"
	envWarmupMode        = "FOUNDRY_WARMUP_MODE"
	envWarmupModels      = "FOUNDRY_WARMUP_MODELS"
	envMaxFailCount      = "FOUNDRY_MAX_FAIL_COUNT"
	envQueueMaxDepth     = "FOUNDRY_QUEUE_MAX_DEPTH"
	envRecoveryCooldown  = "FOUNDRY_RECOVERY_COOLDOWN"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	ListenAddr   string   `yaml:"listen_addr"`
	DBPath       string   `yaml:"db_path"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"`
	VaultKeyPath string   `yaml:"vault_key_path"`
	CORSOrigins  []string `yaml:"cors_origins"`

	// AdminPassword is only read from the environment.
	AdminPassword string `yaml:"-"`

	// WorkspaceURLTemplate builds a worker URL; {workspace} is replaced.
	WorkspaceURLTemplate string `yaml:"workspace_url_template"`

	// RequiredSecrets names the shared secrets every deploy needs. They are
	// exported to the deploy command as upper-cased environment variables.
	RequiredSecrets []string `yaml:"required_secrets"`

	Deploy   DeployConfig   `yaml:"deploy"`
	Health   HealthConfig   `yaml:"health"`
	Warmup   WarmupConfig   `yaml:"warmup"`
	Router   RouterConfig   `yaml:"router"`
	Queue    QueueConfig    `yaml:"queue"`
	Session  SessionConfig  `yaml:"session"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// DeployConfig controls the deploy retry loop.
type DeployConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Dir         string        `yaml:"dir"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// HealthConfig controls the post-deploy health probe.
type HealthConfig struct {
	Attempts    int           `yaml:"attempts"`
	Interval    time.Duration `yaml:"interval"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	BuildID     string        `yaml:"build_id"`
}

// WarmupConfig controls model warm-up.
type WarmupConfig struct {
	Mode         string        `yaml:"mode"`
	Models       []string      `yaml:"models"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TTL          time.Duration `yaml:"ttl"`
	Cooldown     time.Duration `yaml:"cooldown"`

	// Schedule is a cron spec for periodic warm-up of ready accounts.
	// Empty disables it.
	Schedule string `yaml:"schedule"`
}

// RouterConfig controls dispatch failover.
type RouterConfig struct {
	MaxFailCount int `yaml:"max_fail_count"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// QueueConfig bounds the degraded shared lane.
type QueueConfig struct {
	MaxDepth     int           `yaml:"max_depth"`
	MaxWait      time.Duration `yaml:"max_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SessionConfig sets session lifetimes.
type SessionConfig struct {
	GenerationTTL    time.Duration `yaml:"generation_ttl"`
	AdminIdleTimeout time.Duration `yaml:"admin_idle_timeout"`
	PurgeSchedule    string        `yaml:"purge_schedule"`
}

// RecoveryConfig controls automatic recovery of failed accounts.
type RecoveryConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	Schedule string        `yaml:"schedule"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     "info",
		LogFormat:    "json",
		VaultKeyPath: defaultVaultKeyPath,
		CORSOrigins:  []string{"*"},
		Deploy: DeployConfig{
			Command:     "modal",
			Args:        []string{"deploy", "worker.py"},
			MaxAttempts: 3,
			Timeout:     300 * time.Second,
			BackoffBase: 10 * time.Second,
			BackoffCap:  30 * time.Second,
		},
		Health: HealthConfig{
			Attempts:    24,
			Interval:    5 * time.Second,
			CallTimeout: 10 * time.Second,
			CacheTTL:    300 * time.Second,
		},
		Warmup: WarmupConfig{
			Mode:         model.WarmupOff,
			Timeout:      10 * time.Minute,
			PollInterval: 5 * time.Second,
			TTL:          time.Hour,
			Cooldown:     10 * time.Minute,
		},
		Router: RouterConfig{
			MaxFailCount: 3,
			MaxAttempts:  3,
		},
		Queue: QueueConfig{
			MaxDepth:     20,
			MaxWait:      30 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Session: SessionConfig{
			GenerationTTL:    time.Hour,
			AdminIdleTimeout: 30 * time.Minute,
			PurgeSchedule:    "@hourly",
		},
		Recovery: RecoveryConfig{
			Cooldown: 60 * time.Second,
			Schedule: "@every 1m",
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// FOUNDRY_CONFIG_FILE is consulted, and with neither set no file is read.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setList := func(env string, dst *[]string) {
		if v := os.Getenv(env); v != "" {
			*dst = splitList(v)
		}
	}

	setString(envListenAddr, &cfg.ListenAddr)
	setString(envDBPath, &cfg.DBPath)
	setString(envLogLevel, &cfg.LogLevel)
	setString(envLogFormat, &cfg.LogFormat)
	setString(envVaultKeyPath, &cfg.VaultKeyPath)
	setString(envAdminPassword, &cfg.AdminPassword)
	setString(envWorkspaceTemplate, &cfg.WorkspaceURLTemplate)
	setString(envBuildID, &cfg.Health.BuildID)
	setString(envWarmupMode, &cfg.Warmup.Mode)
	setList(envCORSOrigins, &cfg.CORSOrigins)
	setList(envRequiredSecrets, &cfg.RequiredSecrets)
	setList(envWarmupModels, &cfg.Warmup.Models)

	if v := os.Getenv(envDeployCommand); v != "" {
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return fmt.Errorf("parse %s: no command given", envDeployCommand)
		}
		cfg.Deploy.Command = fields[0]
		cfg.Deploy.Args = fields[1:]
	}
	if v := os.Getenv(envMaxFailCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envMaxFailCount, err)
		}
		cfg.Router.MaxFailCount = n
	}
	if v := os.Getenv(envQueueMaxDepth); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envQueueMaxDepth, err)
		}
		cfg.Queue.MaxDepth = n
	}
	if v := os.Getenv(envRecoveryCooldown); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envRecoveryCooldown, err)
		}
		cfg.Recovery.Cooldown = d
	}
	return nil
}

// Validate reports configuration values the control plane cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Warmup.Mode {
	case model.WarmupOff, model.WarmupBestEffort, model.WarmupRequired:
	default:
		errs = append(errs, fmt.Errorf("warmup.mode %q: want off, best_effort or required", c.Warmup.Mode))
	}
	if c.Warmup.Mode != model.WarmupOff && len(c.Warmup.Models) == 0 {
		errs = append(errs, errors.New("warmup.models: at least one model is required when warm-up is enabled"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or text", c.LogFormat))
	}
	if c.Deploy.Command == "" {
		errs = append(errs, errors.New("deploy.command is required"))
	}
	if c.Deploy.MaxAttempts < 1 {
		errs = append(errs, errors.New("deploy.max_attempts must be at least 1"))
	}
	if c.Health.Attempts < 1 {
		errs = append(errs, errors.New("health.attempts must be at least 1"))
	}
	if c.Queue.MaxDepth < 1 {
		errs = append(errs, errors.New("queue.max_depth must be at least 1"))
	}
	if c.Recovery.Cooldown < 0 {
		errs = append(errs, errors.New("recovery.cooldown must not be negative"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
