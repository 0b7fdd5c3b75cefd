// ABOUTME: Poll loop: reap stale locks, claim one job, execute it, finalize it, repeat.
// ABOUTME: Infra errors back off exponentially; a panic anywhere in a cycle is one infra error.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/scarson/feedback-worker/internal/metrics"
	"github.com/scarson/feedback-worker/internal/store"
)

// Worker claims and executes jobs one at a time.
type Worker struct {
	queue    Queue
	exec     Executor
	failures FailureHandler
	notifier Notifier
	setups   SetupRecorder
	cfg      Config
	log      *slog.Logger
	bg       sync.WaitGroup
}

// New creates a Worker. cfg.WorkerID must be unique across live processes.
func New(q Queue, exec Executor, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		queue: q,
		exec:  exec,
		cfg:   cfg,
		log:   slog.Default().With("worker_id", cfg.WorkerID),
	}
}

// SetFailureHandler injects the terminal-failure handler (classification).
func (w *Worker) SetFailureHandler(h FailureHandler) { w.failures = h }

// SetNotifier injects the issue tracker side-effect publisher.
func (w *Worker) SetNotifier(n Notifier) { w.notifier = n }

// SetSetupRecorder injects the recorder that marks a project's setup failed
// when its setup job fails terminally, including when the reaper fails it.
func (w *Worker) SetSetupRecorder(r SetupRecorder) { w.setups = r }

// Run polls until ctx is cancelled. An in-flight job is not cancelled with
// ctx; it finishes and is finalized before Run returns. Background side
// effects are drained before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"stale_threshold", w.cfg.StaleThreshold,
		"max_attempts", w.cfg.MaxAttempts)

	var st loopState
	for ctx.Err() == nil {
		ev := w.cycle(ctx)
		var delay time.Duration
		st, delay = st.next(ev, w.cfg)
		if ev == eventInfraError {
			w.log.Warn("poll cycle failed, backing off",
				"consecutive_errors", st.consecutiveErrors, "delay", delay)
		}
		if !sleep(ctx, delay) {
			break
		}
	}

	w.Wait()
	w.log.Info("worker stopped")
	return nil
}

// Wait blocks until every background side effect has finished.
func (w *Worker) Wait() { w.bg.Wait() }

// cycle runs one reap+claim round-trip and, if a job was claimed, the job.
func (w *Worker) cycle(ctx context.Context) (ev event) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("poll cycle panicked", "panic", r, "stack", string(debug.Stack()))
			metrics.PollErrors.Inc()
			ev = eventInfraError
		}
	}()

	if _, err := w.Reap(ctx); err != nil {
		w.log.Error("reap stale jobs", "error", err)
		metrics.PollErrors.Inc()
		return eventInfraError
	}
	if ctx.Err() != nil {
		return eventIdle
	}

	job, err := w.queue.ClaimNextJob(ctx, w.cfg.WorkerID)
	if err != nil {
		w.log.Error("claim job", "error", err)
		metrics.PollErrors.Inc()
		return eventInfraError
	}
	if job == nil {
		return eventIdle
	}

	w.process(context.WithoutCancel(ctx), job)
	return eventProcessed
}

// process executes a claimed job and persists its outcome. ctx is detached
// from shutdown.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	log := w.log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.AttemptCount+1)
	metrics.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
	log.Info("job claimed", "project_id", job.ProjectID, "issue", job.IssueNumber)

	if w.notifier != nil {
		w.background(ctx, "job started notification", func(ctx context.Context) error {
			return w.notifier.JobStarted(ctx, job)
		})
	}

	start := time.Now()
	err := w.execute(ctx, job)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	d := decide(job, err, w.cfg.MaxAttempts)
	if err != nil {
		log.Warn("job attempt failed", "error", err, "outcome", d.outcome.String())
	}
	w.finalize(ctx, log, job, d)
}

// execute runs the job, converting a panic into an ordinary attempt failure.
func (w *Worker) execute(ctx context.Context, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.exec.Execute(ctx, job)
}

func (w *Worker) finalize(ctx context.Context, log *slog.Logger, job *store.Job, d decision) {
	var (
		ok  bool
		err error
	)
	switch d.outcome {
	case outcomeDone:
		ok, err = w.queue.CompleteJob(ctx, job.ID, w.cfg.WorkerID)
	case outcomeRetry:
		ok, err = w.queue.RetryJob(ctx, job.ID, w.cfg.WorkerID, d.lastError)
	case outcomeFailed:
		ok, err = w.queue.FailJob(ctx, job.ID, w.cfg.WorkerID, d.lastError)
	}
	if err != nil {
		// Left processing; the reaper settles it once the lock goes stale.
		log.Error("persist job outcome", "outcome", d.outcome.String(), "error", err)
		return
	}
	if !ok {
		metrics.JobsFinished.WithLabelValues(string(job.Type), metrics.OutcomeLost).Inc()
		log.Warn("job no longer owned by this worker, outcome dropped", "outcome", d.outcome.String())
		return
	}
	metrics.JobsFinished.WithLabelValues(string(job.Type), d.outcome.String()).Inc()
	log.Info("job finalized", "outcome", d.outcome.String())

	if d.outcome == outcomeFailed {
		w.terminalFailure(ctx, job, d)
	}
}

// terminalFailure runs failure handling and the failure notification for a
// job that just became failed.
func (w *Worker) terminalFailure(ctx context.Context, job *store.Job, d decision) {
	if job.Type == store.JobTypeSetup && w.setups != nil {
		msg := d.lastError
		if err := w.setups.SetSetupStatus(ctx, job.ProjectID, store.SetupUpdate{Status: store.SetupFailed, Error: &msg}); err != nil {
			w.log.Error("record setup failure", "job_id", job.ID, "project_id", job.ProjectID, "error", err)
		}
	}
	if d.handleFailure && w.failures != nil {
		w.failures.HandleFailure(ctx, job, d.lastError)
	}
	if w.notifier != nil {
		w.background(ctx, "job failed notification", func(ctx context.Context) error {
			return w.notifier.JobFailed(ctx, job, d.lastError)
		})
	}
}

// background runs fn in a supervised goroutine with its own timeout. Its
// error or panic is logged and discarded.
func (w *Worker) background(ctx context.Context, name string, fn func(context.Context) error) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			w.log.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// sleep waits for d or until ctx is done. Reports whether the loop should continue.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
