// ABOUTME: Prometheus collectors for the worker loop, reaper and self-healing path.
// ABOUTME: Registered on the default registry via promauto and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedback_worker"

// Job outcomes used as the "outcome" label.
const (
	OutcomeDone   = "done"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
	OutcomeLost   = "lost"
	OutcomeReset  = "reset"
)

var (
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_claimed_total",
		Help:      "Jobs claimed from the queue.",
	}, []string{"job_type"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs finalized by a worker, by outcome.",
	}, []string{"job_type", "outcome"})

	JobsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_reaped_total",
		Help:      "Stale jobs reset or failed by the reaper.",
	}, []string{"outcome"})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Poll cycles that ended in an infrastructure error.",
	})

	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifications_total",
		Help:      "Failure classifications, by category. Unclassified failures use category \"none\".",
	}, []string{"category"})

	SelfImproveSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "self_improve_spawned_total",
		Help:      "Self-improvement jobs enqueued after an own-fault classification.",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall time spent executing a job.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"job_type"})
)
