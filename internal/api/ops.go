// ABOUTME: Ops API v1 routes registered on huma: job lookup, queue stats, run logs, project setup.
// ABOUTME: Request and response bodies are declared as Go structs so huma emits the OpenAPI schema.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/store"
)

// registerJobRoutes wires the queue inspection endpoints.
//
//	GET /jobs/{job_id}          job row with status, attempts and last error
//	GET /queue/stats            job counts per status
//	GET /runs/{run_id}/logs     run log lines, oldest first
func registerJobRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Tags:        []string{"Jobs"},
	}, getJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "get-queue-stats",
		Method:      http.MethodGet,
		Path:        "/queue/stats",
		Summary:     "Queue statistics",
		Description: "Number of jobs per status. Statuses with no jobs are reported as zero.",
		Tags:        []string{"Jobs"},
	}, queueStatsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-run-logs",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/logs",
		Summary:     "List run logs",
		Tags:        []string{"Runs"},
	}, listRunLogsHandler(s))
}

// registerProjectRoutes wires project actions.
func registerProjectRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-project-setup",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/setup",
		Summary:       "Start project setup",
		Description:   "Enqueues a setup job that opens the integration pull request on the project's repository.",
		Tags:          []string{"Projects"},
		DefaultStatus: http.StatusAccepted,
	}, startSetupHandler(s))
}

// ── Response types ────────────────────────────────────────────────────────────

// JobResponse is the API representation of a job_queue row.
type JobResponse struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Type         string  `json:"job_type"`
	Status       string  `json:"status"`
	AttemptCount int     `json:"attempt_count"`
	WorkerID     string  `json:"worker_id,omitempty"`
	LockedAt     *string `json:"locked_at,omitempty"` // RFC3339
	LastError    string  `json:"last_error,omitempty"`
	SourceRunID  *string `json:"source_run_id,omitempty"`
	IssueNumber  int     `json:"github_issue_number,omitempty"`
	IssueTitle   string  `json:"issue_title,omitempty"`
	CreatedAt    string  `json:"created_at"` // RFC3339
	CompletedAt  *string `json:"completed_at,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func jobToResponse(j *store.Job) *JobResponse {
	resp := &JobResponse{
		ID:           j.ID.String(),
		ProjectID:    j.ProjectID.String(),
		Type:         string(j.Type),
		Status:       string(j.Status),
		AttemptCount: j.AttemptCount,
		WorkerID:     j.WorkerID,
		LockedAt:     formatTime(j.LockedAt),
		LastError:    j.LastError,
		IssueNumber:  j.IssueNumber,
		IssueTitle:   j.IssueTitle,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		CompletedAt:  formatTime(j.CompletedAt),
	}
	if j.SourceRunID != nil {
		id := j.SourceRunID.String()
		resp.SourceRunID = &id
	}
	return resp
}

// ── GET /jobs/{job_id} ────────────────────────────────────────────────────────

type GetJobInput struct {
	JobID string `path:"job_id" format:"uuid" doc:"Job ID"`
}

type GetJobOutput struct {
	Body *JobResponse
}

func getJobHandler(s *store.Store) func(context.Context, *GetJobInput) (*GetJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		id, err := uuid.Parse(input.JobID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid job_id", err)
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if job == nil {
			return nil, huma.Error404NotFound("job not found", nil)
		}
		return &GetJobOutput{Body: jobToResponse(job)}, nil
	}
}

// ── GET /queue/stats ──────────────────────────────────────────────────────────

type QueueStatsOutput struct {
	Body *QueueStatsBody
}

// QueueStatsBody holds job counts per status.
type QueueStatsBody struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

func queueStatsHandler(s *store.Store) func(context.Context, *struct{}) (*QueueStatsOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*QueueStatsOutput, error) {
		stats, err := s.QueueStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		return &QueueStatsOutput{Body: &QueueStatsBody{
			Pending:    stats[store.JobPending],
			Processing: stats[store.JobProcessing],
			Done:       stats[store.JobDone],
			Failed:     stats[store.JobFailed],
		}}, nil
	}
}

// ── GET /runs/{run_id}/logs ───────────────────────────────────────────────────

type ListRunLogsInput struct {
	RunID string `path:"run_id" format:"uuid" doc:"Pipeline run ID"`
	Limit int    `query:"limit" minimum:"1" maximum:"500" default:"100" doc:"Maximum number of lines"`
}

// RunLogResponse is one run log line.
type RunLogResponse struct {
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type ListRunLogsOutput struct {
	Body *ListRunLogsBody
}

// ListRunLogsBody wraps the run's log lines.
type ListRunLogsBody struct {
	RunID string           `json:"run_id"`
	Stage string           `json:"stage"`
	Logs  []RunLogResponse `json:"logs"`
}

func listRunLogsHandler(s *store.Store) func(context.Context, *ListRunLogsInput) (*ListRunLogsOutput, error) {
	return func(ctx context.Context, input *ListRunLogsInput) (*ListRunLogsOutput, error) {
		id, err := uuid.Parse(input.RunID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid run_id", err)
		}
		run, err := s.GetPipelineRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get pipeline run: %w", err)
		}
		if run == nil {
			return nil, huma.Error404NotFound("run not found", nil)
		}
		logs, err := s.ListRunLogs(ctx, id, input.Limit)
		if err != nil {
			return nil, fmt.Errorf("list run logs: %w", err)
		}
		body := &ListRunLogsBody{RunID: run.ID.String(), Stage: string(run.Stage), Logs: make([]RunLogResponse, 0, len(logs))}
		for _, l := range logs {
			body.Logs = append(body.Logs, RunLogResponse{
				Timestamp: l.Timestamp.UTC().Format(time.RFC3339Nano),
				Level:     l.Level,
				Message:   l.Message,
			})
		}
		return &ListRunLogsOutput{Body: body}, nil
	}
}

// ── POST /projects/{project_id}/setup ─────────────────────────────────────────

type StartSetupInput struct {
	ProjectID string `path:"project_id" format:"uuid" doc:"Project ID"`
}

type StartSetupOutput struct {
	Body *StartSetupBody
}

// StartSetupBody identifies the enqueued setup job.
type StartSetupBody struct {
	JobID       string `json:"job_id"`
	SetupStatus string `json:"setup_status"`
}

func startSetupHandler(s *store.Store) func(context.Context, *StartSetupInput) (*StartSetupOutput, error) {
	return func(ctx context.Context, input *StartSetupInput) (*StartSetupOutput, error) {
		id, err := uuid.Parse(input.ProjectID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid project_id", err)
		}
		jobID, err := s.EnqueueSetupJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, huma.Error404NotFound("project not found", nil)
		}
		if err != nil {
			return nil, fmt.Errorf("enqueue setup job: %w", err)
		}
		return &StartSetupOutput{Body: &StartSetupBody{JobID: jobID.String(), SetupStatus: string(store.SetupQueued)}}, nil
	}
}
