package task

import "time"

// Event types published on the scheduler bus.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished" // terminal success
	EventFailed   = "task.failed"   // terminal failure, retries exhausted
	EventRetry    = "task.retry"    // attempt failed, retry scheduled
	EventDeferred = "task.deferred" // due but the worker queue was full
)

// Event is the payload carried by every scheduler bus event.
type Event struct {
	ID      string
	Name    string
	Attempt int

	Started  time.Time
	Duration time.Duration
	Err      error    // set on failed and retry events
	Degraded []string // resource ceilings that were not applied

	NextRun time.Time // set on terminal events
	RetryAt time.Time // set on retry events
}
