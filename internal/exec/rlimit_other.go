//go:build !linux

package exec

import (
	"time"

	"autocron/internal/task"
)

// Resource ceilings need prlimit, which only Linux exposes for an already
// started child. Elsewhere safe mode still isolates the script in its own
// process but the ceilings are reported as not applied.
func applyLimits(_ int, safe task.SafeMode, _ time.Duration) []string {
	var degraded []string
	if safe.MaxMemoryMB > 0 {
		degraded = append(degraded, "memory ceiling not supported on this platform")
	}
	if safe.MaxCPUPercent > 0 {
		degraded = append(degraded, "cpu ceiling not supported on this platform")
	}
	return degraded
}
