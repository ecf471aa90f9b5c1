//go:build linux

package exec

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"autocron/internal/task"
)

// applyLimits installs the safe-mode rlimits on a freshly started child.
// Failures never abort the run; each ceiling that could not be applied is
// reported so the caller can surface the degradation.
func applyLimits(pid int, safe task.SafeMode, timeout time.Duration) []string {
	var degraded []string
	if safe.MaxMemoryMB > 0 {
		bytes := uint64(safe.MaxMemoryMB) * 1024 * 1024
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			degraded = append(degraded, fmt.Sprintf("memory ceiling not applied: %v", err))
		}
	}
	if safe.MaxCPUPercent > 0 {
		secs := cpuLimitSeconds(safe.MaxCPUPercent, timeout)
		lim := unix.Rlimit{Cur: secs, Max: secs}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			degraded = append(degraded, fmt.Sprintf("cpu ceiling not applied: %v", err))
		}
	}
	return degraded
}
