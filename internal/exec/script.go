package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"autocron/internal/task"
)

// safeModeEnv is exported to sandboxed children so a script can detect it
// runs under resource limits.
const safeModeEnv = "AUTOCRON_SAFE_MODE"

// killGrace bounds how long Wait blocks on a child that ignores the kill of
// its process group.
const killGrace = 3 * time.Second

// scriptStrategy runs a script under the configured interpreter in its own
// process group. Safe mode additionally applies rlimit ceilings where the
// platform supports them.
type scriptStrategy struct {
	path string
	safe task.SafeMode
	cfg  Config
}

func (s *scriptStrategy) Run(ctx context.Context, timeout time.Duration) Result {
	start := time.Now()
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := newCapBuffer(s.cfg.OutputLimit)
	cmd := osexec.CommandContext(runCtx, s.cfg.Interpreter, s.path)
	cmd.Dir = s.cfg.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	if s.safe.Enabled {
		cmd.Env = append(cmd.Env, safeModeEnv+"=1")
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return Result{
			Start:    start,
			Duration: time.Since(start),
			Err:      fmt.Errorf("start %s: %w", s.path, err),
		}
	}

	var degraded []string
	if s.safe.Enabled {
		degraded = applyLimits(cmd.Process.Pid, s.safe, timeout)
	}

	waitErr := cmd.Wait()
	dur := time.Since(start)
	res := Result{Start: start, Duration: dur, Output: out.String(), Degraded: degraded}
	if waitErr == nil {
		return res
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.Err = &TimeoutError{Timeout: timeout}
		return res
	}
	if runCtx.Err() == context.Canceled {
		res.Err = context.Canceled
		return res
	}

	var ee *osexec.ExitError
	if !errors.As(waitErr, &ee) {
		res.Err = waitErr
		return res
	}

	code, sig := classifyExit(ee)
	if s.safe.Enabled {
		if limit, ok := s.attributeLimit(sig, res.Output); ok {
			res.Err = &ResourceLimitError{Limit: limit, Detail: strings.TrimSpace(sig)}
			return res
		}
	}
	res.Err = &ExitError{Code: code, Signal: sig, Detail: lastLine(res.Output)}
	return res
}

// attributeLimit decides whether a failed sandboxed run died at the hands of
// a configured ceiling. SIGXCPU is the cpu rlimit by definition; SIGKILL with
// a memory ceiling set is the kernel enforcing RLIMIT_AS, and an interpreter
// that caught the allocation failure itself reports it in its output.
func (s *scriptStrategy) attributeLimit(sig, output string) (string, bool) {
	if s.safe.MaxCPUPercent > 0 && sig == "SIGXCPU" {
		return "cpu", true
	}
	if s.safe.MaxMemoryMB > 0 {
		if sig == "SIGKILL" || sig == "SIGSEGV" {
			return "memory", true
		}
		if strings.Contains(output, "MemoryError") || strings.Contains(output, "Cannot allocate memory") {
			return "memory", true
		}
	}
	return "", false
}

// cpuLimitSeconds converts a cpu percentage ceiling into an RLIMIT_CPU value.
// With a timeout the budget is pct of the wall-clock deadline, rounded up;
// without one the percentage is read as a flat second count.
func cpuLimitSeconds(pct int, timeout time.Duration) uint64 {
	var secs float64
	if timeout > 0 {
		secs = math.Ceil(timeout.Seconds() * float64(pct) / 100)
	} else {
		secs = float64(pct)
	}
	if secs < 1 {
		secs = 1
	}
	return uint64(secs)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
