// ABOUTME: Pipeline run rows: stage transitions, failure classification and pull request results.
// ABOUTME: Issue jobs and their run are created together in one transaction.
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

// Stage is the human-readable progress marker on a pipeline run.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageRunning      Stage = "running"
	StageValidating   Stage = "validating"
	StagePreviewReady Stage = "preview_ready"
	StageDeployed     Stage = "deployed"
	StageFailed       Stage = "failed"
	StageRejected     Stage = "rejected"
)

// Run results written when a run terminates with its job.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// PipelineRun is one pipeline_runs row.
type PipelineRun struct {
	ID               uuid.UUID
	ProjectID        uuid.UUID
	IssueNumber      int
	PRNumber         *int
	Stage            Stage
	TriggeredBy      *string
	StartedAt        time.Time
	CompletedAt      *time.Time
	Result           *string
	FailureCategory  *string
	FailureAnalysis  *string
	ImprovementJobID *uuid.UUID
}

const runColumns = `id, project_id, github_issue_number, github_pr_number, stage, triggered_by,
	started_at, completed_at, result, failure_category, failure_analysis, improvement_job_id`

func scanRun(row pgx.Row) (*PipelineRun, error) {
	var r PipelineRun
	err := row.Scan(&r.ID, &r.ProjectID, &r.IssueNumber, &r.PRNumber, &r.Stage, &r.TriggeredBy,
		&r.StartedAt, &r.CompletedAt, &r.Result, &r.FailureCategory, &r.FailureAnalysis, &r.ImprovementJobID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreatePipelineRun inserts a run in stage queued.
func (s *Store) CreatePipelineRun(ctx context.Context, projectID uuid.UUID, issueNumber int, triggeredBy *string) (*PipelineRun, error) {
	return createPipelineRun(ctx, s.pool, projectID, issueNumber, triggeredBy)
}

func createPipelineRun(ctx context.Context, q queryRower, projectID uuid.UUID, issueNumber int, triggeredBy *string) (*PipelineRun, error) {
	r, err := scanRun(q.QueryRow(ctx, `
		INSERT INTO pipeline_runs (project_id, github_issue_number, stage, triggered_by, started_at)
		VALUES ($1, $2, 'queued', $3, clock_timestamp())
		RETURNING `+runColumns,
		projectID, issueNumber, triggeredBy))
	if err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}
	return r, nil
}

// GetPipelineRun returns the run, or (nil, nil) if none exists.
func (s *Store) GetPipelineRun(ctx context.Context, id uuid.UUID) (*PipelineRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline run %s: %w", id, err)
	}
	return r, nil
}

// LatestRunForIssue returns the most recently started run for the project's
// issue, or (nil, nil) if there is none.
func (s *Store) LatestRunForIssue(ctx context.Context, projectID uuid.UUID, issueNumber int) (*PipelineRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		  FROM pipeline_runs
		 WHERE project_id = $1 AND github_issue_number = $2
		 ORDER BY started_at DESC
		 LIMIT 1`, projectID, issueNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest run for issue #%d: %w", issueNumber, err)
	}
	return r, nil
}

func (s *Store) updateRun(ctx context.Context, id uuid.UUID, b sq.UpdateBuilder, what string) error {
	if err := requireRow(s.execUpdate(ctx, b.Where(sq.Eq{"id": id}))); err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	return nil
}

// SetRunStage updates the run's stage.
func (s *Store) SetRunStage(ctx context.Context, id uuid.UUID, stage Stage) error {
	return s.updateRun(ctx, id, psql.Update("pipeline_runs").Set("stage", stage), "set run stage")
}

// SetRunPullRequest records the PR opened for the run.
func (s *Store) SetRunPullRequest(ctx context.Context, id uuid.UUID, prNumber int) error {
	return s.updateRun(ctx, id, psql.Update("pipeline_runs").Set("github_pr_number", prNumber), "set run pr")
}

// FinishRun terminates the run with result. A non-empty stage overrides the
// current stage.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, result string, stage Stage) error {
	b := psql.Update("pipeline_runs").
		Set("result", result).
		Set("completed_at", sq.Expr("now()"))
	if stage != "" {
		b = b.Set("stage", stage)
	}
	return s.updateRun(ctx, id, b, "finish run")
}

// SetRunFailure persists the failure classification on the run.
func (s *Store) SetRunFailure(ctx context.Context, id uuid.UUID, category, analysis string) error {
	return s.updateRun(ctx, id, psql.Update("pipeline_runs").
		Set("failure_category", category).
		Set("failure_analysis", analysis), "set run failure")
}

// LinkImprovementJob points the failed run at the self-improvement job that fixed it.
func (s *Store) LinkImprovementJob(ctx context.Context, runID, jobID uuid.UUID) error {
	return s.updateRun(ctx, runID, psql.Update("pipeline_runs").Set("improvement_job_id", jobID), "link improvement job")
}

// IssueJobParams describes an issue-triggered implement job.
type IssueJobParams struct {
	ProjectID   uuid.UUID
	IssueNumber int
	IssueTitle  string
	IssueBody   string
	TriggeredBy *string
}

// EnqueueIssueJob inserts an implement job and its pipeline run in one
// transaction so the worker always finds a run for a claimed job.
func (s *Store) EnqueueIssueJob(ctx context.Context, p IssueJobParams) (uuid.UUID, *PipelineRun, error) {
	var (
		jobID uuid.UUID
		run   *PipelineRun
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		jobID, err = enqueueJob(ctx, tx, NewJob{
			ProjectID:   p.ProjectID,
			Type:        JobTypeImplement,
			IssueNumber: p.IssueNumber,
			IssueTitle:  p.IssueTitle,
			IssueBody:   p.IssueBody,
		})
		if err != nil {
			return err
		}
		run, err = createPipelineRun(ctx, tx, p.ProjectID, p.IssueNumber, p.TriggeredBy)
		return err
	})
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("enqueue issue job: %w", err)
	}
	return jobID, run, nil
}
