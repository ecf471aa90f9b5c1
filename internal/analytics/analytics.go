// Package analytics records finished executions for later inspection. The
// engine reports outcomes on a best-effort basis; a recorder error never
// affects scheduling.
package analytics

import (
	"context"
	"time"
)

// Execution is one terminal task outcome.
type Execution struct {
	TaskName   string
	Success    bool
	Duration   time.Duration
	Error      string // empty on success
	RetryCount int    // attempts beyond the first
	At         time.Time
}

// Stats aggregates a task's recorded history.
type Stats struct {
	TaskName    string
	Runs        int
	Failures    int
	AvgDuration time.Duration
	LastRun     time.Time
}

// Recorder stores execution outcomes.
type Recorder interface {
	Record(ctx context.Context, e Execution) error
	TaskStats(ctx context.Context, taskName string) (Stats, error)
	Close() error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Execution) error { return nil }
func (nopRecorder) TaskStats(_ context.Context, name string) (Stats, error) {
	return Stats{TaskName: name}, nil
}
func (nopRecorder) Close() error { return nil }

// Nop returns a recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }
