// Package exec runs one task attempt and enforces its timeout.
//
// Three strategies exist, selected by the task's body kind and safe-mode
// flag. Only the subprocess path offers true preemption:
//
//   - sync func: joined with a deadline; on expiry the call is abandoned,
//     not killed (cooperative-only, a documented limitation)
//   - ctx func: cancelled through its context (real cancellation)
//   - script / sandbox: child process, killed with its process group
//
// A ctx func body must honor cancellation promptly: Run does not return
// until the body does, so a body that ignores its context holds the worker
// slot past the timeout.
//
// Errors never escape a strategy; they are reported on the Result.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"autocron/internal/task"
)

// OutputLimit caps captured stdout/stderr per execution.
const OutputLimit = 10 * 1024

// Config carries engine-level execution settings.
type Config struct {
	Interpreter string // script interpreter, default "python3"
	WorkDir     string // working directory for scripts, default inherited
	OutputLimit int    // capture cap in bytes, default OutputLimit
}

func (c Config) withDefaults() Config {
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = OutputLimit
	}
	return c
}

// Result is the outcome of a single attempt.
type Result struct {
	Start    time.Time
	Duration time.Duration
	Output   string   // captured stdout/stderr, truncated to the cap
	Degraded []string // requested resource ceilings that were not applied
	Err      error    // nil on success
}

// Strategy runs one task body once. The context covers engine shutdown; the
// timeout is the per-attempt deadline (0 means unbounded).
type Strategy interface {
	Run(ctx context.Context, timeout time.Duration) Result
}

// ForBody selects the strategy for a body. Safe mode promotes a script body
// to the sandboxed variant.
func ForBody(b task.Body, safe task.SafeMode, cfg Config) Strategy {
	cfg = cfg.withDefaults()
	switch v := b.(type) {
	case task.FuncBody:
		return syncStrategy{fn: v.Fn}
	case task.CtxFuncBody:
		return ctxStrategy{fn: v.Fn}
	case task.ScriptBody:
		return &scriptStrategy{path: v.Path, safe: safe, cfg: cfg}
	default:
		return badBodyStrategy{kind: task.BodyKind(b)}
	}
}

// TimeoutError marks a deadline expiry.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

// ExitError marks a task body failure: a returned error, a nonzero exit code
// or an unattributable termination signal.
type ExitError struct {
	Code   int    // -1 when killed by a signal or not started
	Signal string // empty unless signaled
	Detail string
}

func (e *ExitError) Error() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("script terminated by signal %s", e.Signal)
	case e.Detail != "":
		return fmt.Sprintf("script failed with exit code %d: %s", e.Code, e.Detail)
	default:
		return fmt.Sprintf("script failed with exit code %d", e.Code)
	}
}

// ResourceLimitError marks a sandbox termination attributable to a configured
// resource ceiling.
type ResourceLimitError struct {
	Limit  string // "memory" or "cpu"
	Detail string
}

func (e *ResourceLimitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("script exceeded %s limit: %s", e.Limit, e.Detail)
	}
	return fmt.Sprintf("script exceeded %s limit", e.Limit)
}

type badBodyStrategy struct{ kind string }

func (s badBodyStrategy) Run(_ context.Context, _ time.Duration) Result {
	now := time.Now()
	return Result{Start: now, Err: fmt.Errorf("no execution strategy for body kind %q", s.kind)}
}

// capBuffer is a bounded capture buffer. Writes beyond the limit are
// discarded so a chatty script cannot grow memory unboundedly.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n... (output truncated)"
	}
	return b.buf.String()
}
