// ABOUTME: Poll loop state machine: the sleep between claim cycles and error backoff.
// ABOUTME: Pure transitions only; the caller owns the timers.
package worker

import "time"

// event is what one poll cycle produced.
type event int

const (
	// eventProcessed: a job was claimed and finalized.
	eventProcessed event = iota
	// eventIdle: the round-trip succeeded but no job was pending.
	eventIdle
	// eventInfraError: reaping or claiming failed, or the cycle panicked.
	eventInfraError
)

func (e event) String() string {
	switch e {
	case eventProcessed:
		return "processed"
	case eventIdle:
		return "idle"
	case eventInfraError:
		return "infra_error"
	}
	return "unknown"
}

// loopState is the only state carried between poll cycles.
type loopState struct {
	consecutiveErrors int
}

// next returns the state after ev and how long to sleep before the next cycle.
func (s loopState) next(ev event, cfg Config) (loopState, time.Duration) {
	switch ev {
	case eventProcessed:
		return loopState{}, 0
	case eventIdle:
		return loopState{}, cfg.PollInterval
	default:
		n := s.consecutiveErrors + 1
		return loopState{consecutiveErrors: n}, backoff(n, cfg.BackoffBase, cfg.BackoffMax)
	}
}

// backoff returns base·2^(n-1), capped at ceiling.
func backoff(n int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
