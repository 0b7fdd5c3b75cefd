// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Loading fails if any field tagged "required" is missing or a worker
// tuning value is out of range.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string        `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string        `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int           `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	OpsAPIToken            string        `env:"OPS_API_TOKEN"`
	RateLimitEvictTTL      time.Duration `env:"RATE_LIMIT_EVICT_TTL"     envDefault:"15m"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// WorkerID defaults to worker-<pid>-<unix ms> when empty.
	WorkerID             string        `env:"WORKER_ID"`
	WorkerStaleThreshold time.Duration `env:"WORKER_STALE_THRESHOLD" envDefault:"30m"`
	WorkerMaxAttempts    int           `env:"WORKER_MAX_ATTEMPTS"    envDefault:"3"`
	WorkerPollInterval   time.Duration `env:"WORKER_POLL_INTERVAL"   envDefault:"5s"`
	WorkerBackoffBase    time.Duration `env:"WORKER_BACKOFF_BASE"    envDefault:"5s"`
	WorkerBackoffMax     time.Duration `env:"WORKER_BACKOFF_MAX"     envDefault:"60s"`

	// ── Agent (execution strategies) ─────────────────────────────────────────────
	AgentCommand string   `env:"AGENT_COMMAND" envDefault:"feedback-agent"`
	AgentArgs    []string `env:"AGENT_ARGS"    envSeparator:","`
	AgentWorkDir string   `env:"AGENT_WORKDIR"`
	// SelfRepo is the owner/name of this tool's own source repository,
	// targeted by self-improvement jobs.
	SelfRepo string `env:"SELF_REPO" envDefault:"nikitadmitrieff/feedback-chat"`

	// ── Anthropic (system-wide credentials + failure classifier) ────────────────
	AnthropicAPIKey   string        `env:"ANTHROPIC_API_KEY"`
	ClaudeOAuthToken  string        `env:"CLAUDE_OAUTH_TOKEN"`
	AnthropicBaseURL  string        `env:"ANTHROPIC_BASE_URL"  envDefault:"https://api.anthropic.com"`
	ClassifierModel   string        `env:"CLASSIFIER_MODEL"    envDefault:"claude-haiku-4-5-20251001"`
	ClassifierTimeout time.Duration `env:"CLASSIFIER_TIMEOUT"  envDefault:"60s"`

	// ── GitHub ───────────────────────────────────────────────────────────────────
	GitHubToken         string `env:"GITHUB_TOKEN"`
	GitHubAppID         int64  `env:"GITHUB_APP_ID"`
	GitHubAppPrivateKey string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubAPIURL        string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// ── Tracing ──────────────────────────────────────────────────────────────────
	// Spans are exported over OTLP/HTTP only when the endpoint is set.
	OTelExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName      string `env:"OTEL_SERVICE_NAME"           envDefault:"feedback-worker"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d-%d", os.Getpid(), time.Now().UnixMilli())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the worker tuning values.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_ATTEMPTS must be >= 1, got %d", c.WorkerMaxAttempts))
	}
	if c.WorkerStaleThreshold <= 0 {
		errs = append(errs, errors.New("WORKER_STALE_THRESHOLD must be positive"))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL must be positive"))
	}
	if c.WorkerBackoffBase <= 0 || c.WorkerBackoffMax < c.WorkerBackoffBase {
		errs = append(errs, errors.New("WORKER_BACKOFF_BASE must be positive and <= WORKER_BACKOFF_MAX"))
	}
	if (c.GitHubAppID == 0) != (c.GitHubAppPrivateKey == "") {
		errs = append(errs, errors.New("GITHUB_APP_ID and GITHUB_APP_PRIVATE_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// GitHubAppConfigured reports whether installation tokens can be minted.
func (c *Config) GitHubAppConfigured() bool {
	return c.GitHubAppID != 0 && c.GitHubAppPrivateKey != ""
}
