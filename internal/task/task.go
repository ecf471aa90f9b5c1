// Package task holds the task model and the registry that owns all mutable
// execution state. Every state transition goes through the registry's single
// mutex; the lock is held for the transition only, never across a task body.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autocron/internal/schedule"
)

// Body is the unit of work a task executes. Exactly one variant is chosen at
// registration; the variant selects the execution strategy.
type Body interface{ kind() string }

// FuncBody is an in-process synchronous callable. Its timeout is
// cooperative-only: an expired call is abandoned, not killed.
type FuncBody struct{ Fn func() error }

// CtxFuncBody is an in-process callable that honors context cancellation;
// the only in-process variant with real timeout enforcement.
type CtxFuncBody struct{ Fn func(ctx context.Context) error }

// ScriptBody runs a script in a child process via the configured interpreter.
type ScriptBody struct{ Path string }

func (FuncBody) kind() string    { return "func" }
func (CtxFuncBody) kind() string { return "ctxfunc" }
func (ScriptBody) kind() string  { return "script" }

// BodyKind names the body variant for logs and events.
func BodyKind(b Body) string {
	if b == nil {
		return "none"
	}
	return b.kind()
}

// SafeMode configures sandboxed script execution.
type SafeMode struct {
	Enabled       bool
	MaxMemoryMB   int
	MaxCPUPercent int
}

// Status is the per-task scheduling state.
type Status int

const (
	StatusIdle Status = iota
	StatusDue
	StatusRunning
	StatusRetryPending
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDue:
		return "due"
	case StatusRunning:
		return "running"
	case StatusRetryPending:
		return "retry_pending"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ConfigError reports an invalid task definition, raised at registration.
type ConfigError struct {
	Task   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Task == "" {
		return "task config: " + e.Reason
	}
	return fmt.Sprintf("task %q: %s", e.Task, e.Reason)
}

// DefaultRetryDelay is the base backoff when none is configured.
const DefaultRetryDelay = 60 * time.Second

// Config describes a task at registration time.
type Config struct {
	Name string

	// Exactly one body.
	Func    func() error
	CtxFunc func(ctx context.Context) error
	Script  string

	// Exactly one schedule source. Schedule wins for programmatic callers;
	// Every/Cron are the string forms used by config files and persistence.
	Every    string
	Cron     string
	Schedule schedule.Spec

	Retries    int
	RetryDelay time.Duration // 0 means DefaultRetryDelay
	Timeout    time.Duration // 0 means unbounded
	SafeMode   SafeMode
	Disabled   bool
}

// Task is the unit of scheduling. Config fields are immutable after New; the
// run-state fields (RunCount..Status) are owned by the Registry.
type Task struct {
	ID         string
	Name       string
	Body       Body
	Schedule   schedule.Spec
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
	SafeMode   SafeMode
	Enabled    bool

	RunCount  int
	FailCount int
	LastRun   time.Time
	NextRun   time.Time
	Status    Status
}

// New validates a task definition and computes its initial next-run instant.
// Interval tasks are due immediately; cron tasks wait for the next match.
func New(cfg Config) (*Task, error) {
	if cfg.Name == "" {
		return nil, &ConfigError{Reason: "name required"}
	}

	body, err := bodyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SafeMode.Enabled {
		if _, ok := body.(ScriptBody); !ok {
			return nil, &ConfigError{Task: cfg.Name, Reason: "safe mode requires a script body"}
		}
	}
	if cfg.Retries < 0 {
		return nil, &ConfigError{Task: cfg.Name, Reason: "retries must be >= 0"}
	}
	if cfg.Timeout < 0 {
		return nil, &ConfigError{Task: cfg.Name, Reason: "timeout must be positive"}
	}

	spec, err := scheduleFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	delay := cfg.RetryDelay
	if delay == 0 {
		delay = DefaultRetryDelay
	}
	if delay < 0 {
		return nil, &ConfigError{Task: cfg.Name, Reason: "retry delay must be >= 0"}
	}

	t := &Task{
		ID:         uuid.NewString(),
		Name:       cfg.Name,
		Body:       body,
		Schedule:   spec,
		Retries:    cfg.Retries,
		RetryDelay: delay,
		Timeout:    cfg.Timeout,
		SafeMode:   cfg.SafeMode,
		Enabled:    !cfg.Disabled,
		Status:     StatusIdle,
	}

	now := time.Now()
	if spec.Kind() == schedule.KindInterval {
		t.NextRun = now
	} else {
		next, err := spec.Next(now)
		if err != nil {
			return nil, err
		}
		t.NextRun = next
	}
	return t, nil
}

func bodyFromConfig(cfg Config) (Body, error) {
	n := 0
	if cfg.Func != nil {
		n++
	}
	if cfg.CtxFunc != nil {
		n++
	}
	if cfg.Script != "" {
		n++
	}
	switch {
	case n == 0:
		return nil, &ConfigError{Task: cfg.Name, Reason: "exactly one of func, ctx func or script required, got none"}
	case n > 1:
		return nil, &ConfigError{Task: cfg.Name, Reason: "exactly one of func, ctx func or script required, got several"}
	}
	if cfg.Func != nil {
		return FuncBody{Fn: cfg.Func}, nil
	}
	if cfg.CtxFunc != nil {
		return CtxFuncBody{Fn: cfg.CtxFunc}, nil
	}
	return ScriptBody{Path: cfg.Script}, nil
}

func scheduleFromConfig(cfg Config) (schedule.Spec, error) {
	n := 0
	if cfg.Every != "" {
		n++
	}
	if cfg.Cron != "" {
		n++
	}
	if !cfg.Schedule.IsZero() {
		n++
	}
	switch {
	case n == 0:
		return schedule.Spec{}, &ConfigError{Task: cfg.Name, Reason: "exactly one of every, cron or schedule required, got none"}
	case n > 1:
		return schedule.Spec{}, &ConfigError{Task: cfg.Name, Reason: "exactly one of every, cron or schedule required, got several"}
	}
	if cfg.Every != "" {
		return schedule.ParseInterval(cfg.Every)
	}
	if cfg.Cron != "" {
		return schedule.ParseCron(cfg.Cron)
	}
	return cfg.Schedule, nil
}

// Persistable reports whether the task survives a save/load cycle. Only
// script bodies can be reconstructed from storage.
func (t *Task) Persistable() bool {
	_, ok := t.Body.(ScriptBody)
	return ok
}
