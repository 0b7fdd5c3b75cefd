// ABOUTME: Self-improvement spawner: persists a run's classification and, for own-fault
// ABOUTME: categories, enqueues a self_improve job carrying the fix guidance.
package selfheal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/scarson/feedback-worker/internal/classify"
	"github.com/scarson/feedback-worker/internal/metrics"
	"github.com/scarson/feedback-worker/internal/store"
	"github.com/scarson/feedback-worker/internal/strategy"
)

// Payload bounds, in characters.
const (
	maxOriginalIssueBody = 2000
	maxLogExcerpts       = 3000
)

// SpawnStore is the store subset the spawner writes.
type SpawnStore interface {
	SetRunFailure(ctx context.Context, id uuid.UUID, category, analysis string) error
	EnqueueJob(ctx context.Context, nj store.NewJob) (uuid.UUID, error)
}

// Spawner turns a classification into persisted state and follow-up work.
type Spawner struct {
	store SpawnStore
	log   *slog.Logger
}

// NewSpawner creates a Spawner.
func NewSpawner(s SpawnStore) *Spawner {
	return &Spawner{store: s, log: slog.Default()}
}

// fixGuidance picks the text handed to the self-improvement job: the fix
// summary, else the analysis. "" means there is nothing to act on.
func fixGuidance(c *classify.Classification) string {
	for _, s := range []string{c.FixSummary, c.Analysis} {
		s = strings.TrimSpace(s)
		if s != "" && !strings.EqualFold(s, "N/A") {
			return s
		}
	}
	return ""
}

// Spawn records c on run and returns the ID of the enqueued self_improve job,
// or nil when the category is not the tool's own fault or the classification
// carries no fix guidance. logs must be in chronological order.
func (s *Spawner) Spawn(ctx context.Context, run *store.PipelineRun, c *classify.Classification, issueBody string, logs []store.RunLog) (*uuid.UUID, error) {
	if err := s.store.SetRunFailure(ctx, run.ID, string(c.Category), c.Analysis); err != nil {
		return nil, err
	}
	if !c.Category.OwnFault() {
		return nil, nil
	}

	fix := fixGuidance(c)
	if fix == "" {
		s.log.WarnContext(ctx, "self-improvement skipped: classification has no fix guidance",
			"run_id", run.ID, "category", c.Category)
		return nil, nil
	}
	body, err := strategy.Improvement{
		FixSummary:        fix,
		OriginalIssueBody: classify.Head(issueBody, maxOriginalIssueBody),
		LogExcerpts:       classify.Tail(formatLogs(logs), maxLogExcerpts),
	}.Encode()
	if err != nil {
		return nil, err
	}

	id, err := s.store.EnqueueJob(ctx, store.NewJob{
		ProjectID:   run.ProjectID,
		Type:        store.JobTypeSelfImprove,
		SourceRunID: &run.ID,
		IssueNumber: 0,
		IssueTitle:  "Self-improvement: " + string(c.Category),
		IssueBody:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn self-improvement job: %w", err)
	}
	metrics.SelfImproveSpawned.Inc()
	return &id, nil
}

func formatLogs(logs []store.RunLog) string {
	var b strings.Builder
	for i, l := range logs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", l.Level, l.Message)
	}
	return b.String()
}
