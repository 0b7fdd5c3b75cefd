// ABOUTME: job_queue access: enqueue, atomic claim, guarded transitions and stale-lock recovery.
// ABOUTME: Every worker-side UPDATE is conditioned on status and worker_id.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobType selects the execution strategy for a job.
type JobType string

const (
	JobTypeImplement   JobType = "implement"
	JobTypeSetup       JobType = "setup"
	JobTypeSelfImprove JobType = "self_improve"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeImplement, JobTypeSetup, JobTypeSelfImprove:
		return true
	}
	return false
}

// HandlesFailure reports whether terminal failures of this job type are
// classified and may spawn self-improvement work. Setup and self_improve jobs
// never are, so the healing loop cannot feed itself.
func (t JobType) HandlesFailure() bool {
	return t != JobTypeSelfImprove && t != JobTypeSetup
}

// JobStatus is the lifecycle state of a job_queue row.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool { return s == JobDone || s == JobFailed }

// Job is one job_queue row.
type Job struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	Type         JobType
	Status       JobStatus
	AttemptCount int
	WorkerID     string
	LockedAt     *time.Time
	LastError    string
	SourceRunID  *uuid.UUID
	IssueNumber  int
	IssueTitle   string
	IssueBody    string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// NewJob holds the insertable fields of a job. Status always starts pending.
type NewJob struct {
	ProjectID   uuid.UUID
	Type        JobType
	SourceRunID *uuid.UUID
	IssueNumber int
	IssueTitle  string
	IssueBody   string
}

const jobColumns = `id, project_id, job_type, status, attempt_count, worker_id, locked_at,
	last_error, source_run_id, github_issue_number, issue_title, issue_body, created_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j         Job
		workerID  *string
		lastError *string
	)
	err := row.Scan(&j.ID, &j.ProjectID, &j.Type, &j.Status, &j.AttemptCount, &workerID, &j.LockedAt,
		&lastError, &j.SourceRunID, &j.IssueNumber, &j.IssueTitle, &j.IssueBody, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

// ClaimNextJob atomically claims the oldest pending job for workerID via the
// claim_next_job SQL function (FOR UPDATE SKIP LOCKED). Returns (nil, nil)
// when no job is currently available.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM claim_next_job($1)`, workerID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// ownedBy guards a transition on the job still being processed by workerID.
func ownedBy(id uuid.UUID, workerID string) sq.Eq {
	return sq.Eq{"id": id, "status": JobProcessing, "worker_id": workerID}
}

// CompleteJob marks a job done. Reports false when the job is no longer
// processing under workerID (reaped or re-claimed meanwhile).
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	ok, err := s.execUpdate(ctx, psql.Update("job_queue").
		Set("status", JobDone).
		Set("completed_at", sq.Expr("now()")).
		Set("last_error", nil).
		Where(ownedBy(id, workerID)))
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return ok, nil
}

// RetryJob returns a job to pending after a failed attempt, releasing the
// lock and recording the attempt.
func (s *Store) RetryJob(ctx context.Context, id uuid.UUID, workerID, lastError string) (bool, error) {
	ok, err := s.execUpdate(ctx, psql.Update("job_queue").
		Set("status", JobPending).
		Set("worker_id", nil).
		Set("locked_at", nil).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_error", lastError).
		Where(ownedBy(id, workerID)))
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", id, err)
	}
	return ok, nil
}

// FailJob marks a job terminally failed.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, workerID, lastError string) (bool, error) {
	ok, err := s.execUpdate(ctx, psql.Update("job_queue").
		Set("status", JobFailed).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_error", lastError).
		Set("completed_at", sq.Expr("now()")).
		Where(ownedBy(id, workerID)))
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return ok, nil
}

// staleGuard matches a job that is still processing with a lock older than threshold.
func staleGuard(id uuid.UUID, threshold time.Duration) sq.And {
	return sq.And{
		sq.Eq{"id": id, "status": JobProcessing},
		sq.Expr("locked_at < now() - make_interval(secs => ?)", threshold.Seconds()),
	}
}

// ListStaleJobs returns processing jobs whose lock is older than threshold.
func (s *Store) ListStaleJobs(ctx context.Context, threshold time.Duration) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		  FROM job_queue
		 WHERE status = 'processing'
		   AND locked_at < now() - make_interval(secs => $1)
		 ORDER BY locked_at`, threshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ResetStaleJob returns a stale job to pending. Reports false if the job is
// no longer stale (its worker finished it, or it was already reaped).
func (s *Store) ResetStaleJob(ctx context.Context, id uuid.UUID, threshold time.Duration, lastError string) (bool, error) {
	ok, err := s.execUpdate(ctx, psql.Update("job_queue").
		Set("status", JobPending).
		Set("worker_id", nil).
		Set("locked_at", nil).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_error", lastError).
		Where(staleGuard(id, threshold)))
	if err != nil {
		return false, fmt.Errorf("reset stale job %s: %w", id, err)
	}
	return ok, nil
}

// FailStaleJob marks a stale job terminally failed.
func (s *Store) FailStaleJob(ctx context.Context, id uuid.UUID, threshold time.Duration, lastError string) (bool, error) {
	ok, err := s.execUpdate(ctx, psql.Update("job_queue").
		Set("status", JobFailed).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_error", lastError).
		Set("completed_at", sq.Expr("now()")).
		Where(staleGuard(id, threshold)))
	if err != nil {
		return false, fmt.Errorf("fail stale job %s: %w", id, err)
	}
	return ok, nil
}

// EnqueueJob inserts a pending job and returns its ID.
func (s *Store) EnqueueJob(ctx context.Context, nj NewJob) (uuid.UUID, error) {
	return enqueueJob(ctx, s.pool, nj)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func enqueueJob(ctx context.Context, q queryRower, nj NewJob) (uuid.UUID, error) {
	if !nj.Type.Valid() {
		return uuid.Nil, fmt.Errorf("enqueue job: invalid job type %q", nj.Type)
	}
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		INSERT INTO job_queue (project_id, job_type, source_run_id, github_issue_number, issue_title, issue_body)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		nj.ProjectID, nj.Type, nj.SourceRunID, nj.IssueNumber, nj.IssueTitle, nj.IssueBody,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// GetJob returns the job with the given ID, or (nil, nil) if none exists.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// CountJobs counts jobs matching the filter, for self-improvement assertions
// and ops tooling.
func (s *Store) CountJobs(ctx context.Context, projectID uuid.UUID, jobType JobType) (int, error) {
	query, args, err := psql.Select("count(*)").From("job_queue").
		Where(sq.Eq{"project_id": projectID, "job_type": jobType}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// QueueStats returns the number of jobs per status. Statuses with no jobs are
// reported as zero.
func (s *Store) QueueStats(ctx context.Context) (map[JobStatus]int, error) {
	query, args, err := psql.Select("status", "count(*)").From("job_queue").GroupBy("status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build queue stats: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[JobStatus]int{JobPending: 0, JobProcessing: 0, JobDone: 0, JobFailed: 0}
	for rows.Next() {
		var (
			status JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
