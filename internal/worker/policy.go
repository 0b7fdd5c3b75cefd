// ABOUTME: Failure policy: maps an execution result and attempt count to an outcome.
// ABOUTME: Permanent errors fail immediately; others retry until the attempt ceiling.
package worker

import (
	"fmt"

	"github.com/scarson/feedback-worker/internal/joberr"
	"github.com/scarson/feedback-worker/internal/store"
)

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeRetry:
		return "retry"
	case outcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// decision is the finalization chosen for a finished attempt.
type decision struct {
	outcome   outcome
	lastError string
	// handleFailure is set when the failure is terminal and the job type
	// participates in classification.
	handleFailure bool
}

// decide applies the retry policy to the result of one attempt. The attempt
// being finished is number job.AttemptCount+1.
func decide(job *store.Job, err error, maxAttempts int) decision {
	if err == nil {
		return decision{outcome: outcomeDone}
	}
	msg := err.Error()
	switch {
	case joberr.IsPermanent(err):
		return decision{
			outcome:       outcomeFailed,
			lastError:     "Permanent error (no retry): " + msg,
			handleFailure: job.Type.HandlesFailure(),
		}
	case job.AttemptCount+1 < maxAttempts:
		return decision{outcome: outcomeRetry, lastError: msg}
	default:
		return decision{
			outcome:       outcomeFailed,
			lastError:     fmt.Sprintf("Failed after %d attempts: %s", maxAttempts, msg),
			handleFailure: job.Type.HandlesFailure(),
		}
	}
}

// reapDecision decides what the reaper does with a stale job. The stale lock
// counts as a failed attempt.
func reapDecision(job *store.Job, maxAttempts int) decision {
	attempt := job.AttemptCount + 1
	if attempt >= maxAttempts {
		return decision{
			outcome:       outcomeFailed,
			lastError:     fmt.Sprintf("Stale after %d attempts", attempt),
			handleFailure: job.Type.HandlesFailure(),
		}
	}
	return decision{
		outcome:   outcomeRetry,
		lastError: fmt.Sprintf("Reset by reaper (attempt %d/%d)", attempt, maxAttempts),
	}
}
