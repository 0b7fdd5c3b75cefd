// Package worker runs the claim/execute/finalize control loop over the
// job_queue table.
//
// Each Worker processes strictly one job at a time. Coordination between
// worker processes happens only through the database: the atomic claim and
// the guarded status transitions in the store. A stale-lock reaper pass runs
// at the start of every poll cycle and is the only recovery path for jobs
// whose worker died.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/store"
)

// Queue is the subset of the store used by the poll loop and the reaper.
type Queue interface {
	ClaimNextJob(ctx context.Context, workerID string) (*store.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, workerID string) (bool, error)
	RetryJob(ctx context.Context, id uuid.UUID, workerID, lastError string) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, workerID, lastError string) (bool, error)
	ListStaleJobs(ctx context.Context, threshold time.Duration) ([]store.Job, error)
	ResetStaleJob(ctx context.Context, id uuid.UUID, threshold time.Duration, lastError string) (bool, error)
	FailStaleJob(ctx context.Context, id uuid.UUID, threshold time.Duration, lastError string) (bool, error)
}

// Executor runs a claimed job to completion. A nil return marks the job done.
type Executor interface {
	Execute(ctx context.Context, job *store.Job) error
}

// FailureHandler reacts to a terminal job failure (classification and
// self-improvement). It must not return errors into the loop; it logs them.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job *store.Job, lastError string)
}

// Notifier publishes best-effort side effects to the issue tracker. Calls run
// in supervised background goroutines and their errors are only logged.
type Notifier interface {
	JobStarted(ctx context.Context, job *store.Job) error
	JobFailed(ctx context.Context, job *store.Job, lastError string) error
}

// SetupRecorder records bootstrap progress on the project of a setup job.
type SetupRecorder interface {
	SetSetupStatus(ctx context.Context, projectID uuid.UUID, u store.SetupUpdate) error
}

// Config holds worker tuning parameters (sourced from config.Config).
type Config struct {
	WorkerID       string
	StaleThreshold time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// SideEffectTimeout bounds each background notification. Default 30s.
	SideEffectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 30 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.SideEffectTimeout == 0 {
		c.SideEffectTimeout = 30 * time.Second
	}
	return c
}
