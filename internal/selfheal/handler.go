// ABOUTME: Failure handler: classifies a job's final error and persists the verdict on the pipeline run.
// ABOUTME: Fixable verdicts are handed to the spawner, which may enqueue a self-improvement job.
package selfheal

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/classify"
	"github.com/scarson/feedback-worker/internal/metrics"
	"github.com/scarson/feedback-worker/internal/store"
)

// logWindow is how many of the newest run log rows are used as evidence.
const logWindow = 100

// HandlerStore is the store subset used by failure handling.
type HandlerStore interface {
	SpawnStore
	LatestRunForIssue(ctx context.Context, projectID uuid.UUID, issueNumber int) (*store.PipelineRun, error)
	FinishRun(ctx context.Context, id uuid.UUID, result string, stage store.Stage) error
	RecentRunLogs(ctx context.Context, runID uuid.UUID, limit int) ([]store.RunLog, error)
}

// Classifier categorizes failure evidence (classify.Classifier).
type Classifier interface {
	Classify(ctx context.Context, in classify.Input) (*classify.Classification, error)
}

// Handler implements worker.FailureHandler: it marks the run failed,
// classifies the failure and spawns self-improvement work.
type Handler struct {
	store      HandlerStore
	classifier Classifier
	spawner    *Spawner
	log        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(s HandlerStore, c Classifier) *Handler {
	return &Handler{store: s, classifier: c, spawner: NewSpawner(s), log: slog.Default()}
}

// HandleFailure never returns an error; every problem is logged and ends the
// handling early.
func (h *Handler) HandleFailure(ctx context.Context, job *store.Job, lastError string) {
	if !job.Type.HandlesFailure() {
		return
	}
	log := h.log.With("job_id", job.ID, "project_id", job.ProjectID)

	run, err := h.store.LatestRunForIssue(ctx, job.ProjectID, job.IssueNumber)
	if err != nil {
		log.ErrorContext(ctx, "failure handling: find run", "error", err)
		return
	}
	if run == nil {
		log.WarnContext(ctx, "failure handling: no pipeline run for issue", "issue", job.IssueNumber)
		return
	}
	log = log.With("run_id", run.ID)

	if err := h.store.FinishRun(ctx, run.ID, store.ResultFailed, store.StageFailed); err != nil {
		log.ErrorContext(ctx, "failure handling: mark run failed", "error", err)
	}

	logs, err := h.store.RecentRunLogs(ctx, run.ID, logWindow)
	if err != nil {
		log.WarnContext(ctx, "failure handling: load run logs", "error", err)
		logs = nil
	}
	lines := make([]classify.LogLine, len(logs))
	for i, l := range logs {
		lines[i] = classify.LogLine{Level: l.Level, Message: l.Message}
	}

	c, err := h.classifier.Classify(ctx, classify.Input{
		Logs:      lines,
		LastError: lastError,
		IssueBody: job.IssueBody,
		JobType:   string(job.Type),
	})
	if err != nil {
		metrics.Classifications.WithLabelValues("none").Inc()
		log.WarnContext(ctx, "failure not classified", "error", err)
		return
	}
	if c == nil {
		return
	}
	metrics.Classifications.WithLabelValues(string(c.Category)).Inc()

	spawned, err := h.spawner.Spawn(ctx, run, c, job.IssueBody, logs)
	if err != nil {
		log.ErrorContext(ctx, "failure handling: spawn", "category", c.Category, "error", err)
		return
	}
	if spawned != nil {
		log.InfoContext(ctx, "self-improvement job enqueued", "category", c.Category, "self_improve_job_id", *spawned)
		return
	}
	log.InfoContext(ctx, "failure classified", "category", c.Category)
}
