// ABOUTME: Stale-lock reaper: one pass over processing jobs whose lock outlived the timeout.
// ABOUTME: Each stale job is retried or failed under the same policy as a worker-reported failure.
package worker

import (
	"context"
	"fmt"

	"github.com/scarson/feedback-worker/internal/metrics"
)

// ReapResult counts what one reaper pass did.
type ReapResult struct {
	Reset   int
	Failed  int
	Skipped int
}

// Reap settles every job whose lock is older than the stale threshold. Jobs
// whose guard no longer matches (finished or reaped concurrently) are skipped.
func (w *Worker) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	stale, err := w.queue.ListStaleJobs(ctx, w.cfg.StaleThreshold)
	if err != nil {
		return res, err
	}
	for i := range stale {
		job := &stale[i]
		d := reapDecision(job, w.cfg.MaxAttempts)

		var ok bool
		if d.outcome == outcomeFailed {
			ok, err = w.queue.FailStaleJob(ctx, job.ID, w.cfg.StaleThreshold, d.lastError)
		} else {
			ok, err = w.queue.ResetStaleJob(ctx, job.ID, w.cfg.StaleThreshold, d.lastError)
		}
		if err != nil {
			return res, fmt.Errorf("reap job %s: %w", job.ID, err)
		}
		if !ok {
			res.Skipped++
			continue
		}

		w.log.Warn("reaped stale job",
			"job_id", job.ID, "job_type", job.Type, "stale_worker_id", job.WorkerID, "last_error", d.lastError)
		if d.outcome == outcomeFailed {
			res.Failed++
			metrics.JobsReaped.WithLabelValues(metrics.OutcomeFailed).Inc()
			w.terminalFailure(context.WithoutCancel(ctx), job, d)
		} else {
			res.Reset++
			metrics.JobsReaped.WithLabelValues(metrics.OutcomeReset).Inc()
		}
	}
	return res, nil
}
