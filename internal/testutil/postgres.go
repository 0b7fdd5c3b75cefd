// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/migrations"
)

// TestDB embeds *store.Store so all store methods are directly callable from tests.
type TestDB struct {
	*store.Store
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by the test DB. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("feedback_worker_test"),
		tcpostgres.WithUsername("feedback_worker_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}

	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	// Simple query protocol lets postgres execute each multi-statement
	// migration file (including plpgsql bodies) in a single Exec.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		t.Fatalf("migration driver: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool)}
}

// MustCreateProject creates a project or fatals the test.
func (db *TestDB) MustCreateProject(t *testing.T, p store.CreateProjectParams) *store.Project {
	t.Helper()
	if p.Name == "" {
		p.Name = "project-" + uuid.NewString()[:8]
	}
	proj, err := db.CreateProject(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateProject(%q): %v", p.Name, err)
	}
	return proj
}

// MustEnqueueIssueJob enqueues an implement job with its pipeline run or fatals the test.
func (db *TestDB) MustEnqueueIssueJob(t *testing.T, projectID uuid.UUID, issueNumber int) (uuid.UUID, *store.PipelineRun) {
	t.Helper()
	jobID, run, err := db.EnqueueIssueJob(context.Background(), store.IssueJobParams{
		ProjectID:   projectID,
		IssueNumber: issueNumber,
		IssueTitle:  "Add dark mode",
		IssueBody:   "Please add a dark mode toggle.",
	})
	if err != nil {
		t.Fatalf("EnqueueIssueJob(#%d): %v", issueNumber, err)
	}
	return jobID, run
}

// AgeLock moves a processing job's locked_at into the past.
func (db *TestDB) AgeLock(t *testing.T, jobID uuid.UUID, seconds int) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(),
		`UPDATE job_queue SET locked_at = now() - make_interval(secs => $2) WHERE id = $1`,
		jobID, float64(seconds)); err != nil {
		t.Fatalf("age lock: %v", err)
	}
}

// SetAttempts overwrites attempt_count on a job.
func (db *TestDB) SetAttempts(t *testing.T, jobID uuid.UUID, n int) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(),
		`UPDATE job_queue SET attempt_count = $2 WHERE id = $1`, jobID, n); err != nil {
		t.Fatalf("set attempt_count: %v", err)
	}
}
