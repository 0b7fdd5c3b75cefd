// Command feedback-worker runs the issue-to-pull-request job pipeline.
//
// Subcommands:
//
//	serve    HTTP server (webhook, ops API) + embedded worker
//	worker   standalone worker loop only
//	migrate  run pending database migrations and exit
//	reap     run one stale-lock reaper pass and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database for distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/scarson/feedback-worker/internal/api"
	"github.com/scarson/feedback-worker/internal/classify"
	"github.com/scarson/feedback-worker/internal/config"
	"github.com/scarson/feedback-worker/internal/credential"
	"github.com/scarson/feedback-worker/internal/github"
	"github.com/scarson/feedback-worker/internal/httpclient"
	"github.com/scarson/feedback-worker/internal/selfheal"
	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/internal/strategy"
	"github.com/scarson/feedback-worker/internal/tracing"
	"github.com/scarson/feedback-worker/internal/worker"
	"github.com/scarson/feedback-worker/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "feedback-worker",
		Short: "Turns labelled GitHub issues into agent-authored pull requests",
		// Errors are printed once, by slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		reapCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded worker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, db, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := startTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	st := store.New(db)
	w, err := newWorker(cfg, st)
	if err != nil {
		return err
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = w.Run(ctx) //nolint:contextcheck // ctx is the process-lifetime context
	}()

	apiSrv := api.NewServer(st, cfg)
	defer apiSrv.Close()

	// WriteTimeout is left unset; the ops API responses are small and bounded.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		stop()
		<-workerDone
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop()
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	// The in-flight job, if any, is finalized before the worker returns.
	<-workerDone
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker loop (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, db, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := startTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	w, err := newWorker(cfg, store.New(db))
	if err != nil {
		return err
	}
	return w.Run(ctx) // blocks until ctx cancelled, then finalizes the in-flight job
}

// ── reap ──────────────────────────────────────────────────────────────────────

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one stale-lock reaper pass and exit",
		RunE:  runReap,
	}
}

func runReap(cmd *cobra.Command, _ []string) error {
	cfg, db, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	w, err := newWorker(cfg, store.New(db))
	if err != nil {
		return err
	}
	res, err := w.Reap(cmd.Context())
	w.Wait()
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	slog.Info("reap complete", "reset", res.Reset, "failed", res.Failed, "skipped", res.Skipped)
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB; pgx's stdlib adapter keeps one driver
	// project-wide.
	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	connCfg, err := pgx.ParseConfig(migrateURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Migration files contain plpgsql bodies and multiple statements.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── wiring ────────────────────────────────────────────────────────────────────

// bootstrap loads config, installs the default logger and opens the pool.
func bootstrap(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return cfg, db, nil
}

// startTracing installs the OTLP trace provider when an exporter endpoint is
// configured. The returned func flushes buffered spans and never fails.
func startTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	if cfg.OTelExporterEndpoint == "" {
		return func() {}, nil
	}
	tp, err := tracing.NewProvider(ctx, cfg.OTelExporterEndpoint, cfg.OTelServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	shutdown := tracing.Install(tp)
	slog.Info("tracing enabled", "endpoint", cfg.OTelExporterEndpoint, "service", cfg.OTelServiceName)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}, nil
}

// newWorker assembles the worker with its dispatcher, failure handler and
// issue notifier.
func newWorker(cfg *config.Config, st *store.Store) (*worker.Worker, error) {
	// The safe client blocks loopback and private targets; development points
	// the APIs at local fakes.
	apiClient := httpclient.Build(!cfg.IsDevelopment(), 30*time.Second)
	gh := github.NewClient(apiClient, cfg.GitHubAPIURL)

	var (
		minter credential.Minter
		repos  worker.RepoLister
	)
	if cfg.GitHubAppConfigured() {
		app, err := github.NewApp(cfg.GitHubAppID, []byte(cfg.GitHubAppPrivateKey), gh)
		if err != nil {
			return nil, fmt.Errorf("github app: %w", err)
		}
		minter, repos = app, app
	} else {
		slog.Warn("GitHub App not configured; using GITHUB_TOKEN for all projects, setup jobs will fail")
	}

	system := credential.Credentials{APIKey: cfg.AnthropicAPIKey, OAuthToken: cfg.ClaudeOAuthToken}
	creds := credential.NewResolver(st, system)
	tokens := credential.NewTokenResolver(st, minter, cfg.GitHubToken)

	agent := strategy.NewCommand(cfg.AgentCommand, cfg.AgentArgs, cfg.AgentWorkDir)
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		Store:       st,
		Credentials: creds,
		Tokens:      tokens,
		Repos:       repos,
		Strategies:  worker.Strategies{Implement: agent, Setup: agent, SelfImprove: agent},
		SelfRepo:    cfg.SelfRepo,
	})

	if system.Empty() {
		slog.Warn("no system Anthropic credentials; failures will not be classified")
	}
	completer := classify.NewAnthropic(httpclient.Build(!cfg.IsDevelopment(), cfg.ClassifierTimeout), classify.AnthropicConfig{
		BaseURL:    cfg.AnthropicBaseURL,
		APIKey:     cfg.AnthropicAPIKey,
		OAuthToken: cfg.ClaudeOAuthToken,
		Model:      cfg.ClassifierModel,
	})

	w := worker.New(st, dispatcher, worker.Config{
		WorkerID:       cfg.WorkerID,
		StaleThreshold: cfg.WorkerStaleThreshold,
		MaxAttempts:    cfg.WorkerMaxAttempts,
		PollInterval:   cfg.WorkerPollInterval,
		BackoffBase:    cfg.WorkerBackoffBase,
		BackoffMax:     cfg.WorkerBackoffMax,
	})
	w.SetFailureHandler(selfheal.NewHandler(st, classify.New(completer)))
	w.SetNotifier(github.NewIssueNotifier(gh, tokens, st))
	w.SetSetupRecorder(st)
	return w, nil
}

// newPool creates and validates a pgxpool (PgBouncer compatibility, statement
// timeout, pool sizing). Retries up to 10 times with linear backoff for
// compose stacks where Postgres starts after the worker.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `feedback-worker migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}
	return db, nil
}

// expectedSchemaVersion is the migration version this binary requires.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
