// Package retry decides whether a failed task attempt is retried and after
// what delay. The policy is pure: exponential backoff layered on top of the
// task's normal cadence, never replacing it.
package retry

import "time"

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Decide evaluates the policy for the attempt that just failed (1-based).
// It retries while attempt <= maxRetries with delay baseDelay * 2^(attempt-1),
// so a task with maxRetries=3 runs at most 4 times.
func Decide(maxRetries int, baseDelay time.Duration, attempt int) Decision {
	if attempt < 1 || attempt > maxRetries {
		return GiveUp
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	return Decision{Retry: true, After: Backoff(baseDelay, attempt)}
}

// Backoff returns baseDelay * 2^(attempt-1), guarding against overflow.
func Backoff(baseDelay time.Duration, attempt int) time.Duration {
	d := baseDelay
	for i := 1; i < attempt; i++ {
		if d > maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// maxBackoff caps the computed delay; a runaway attempt counter must not
// produce a multi-year timer.
const maxBackoff = 24 * time.Hour
