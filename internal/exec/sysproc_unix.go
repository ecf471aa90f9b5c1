//go:build unix

package exec

import (
	osexec "os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so a timeout kill
// reaches any grandchildren the script spawned.
func setProcessGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *osexec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// classifyExit splits an exit error into an exit code and, when the child was
// signaled, the signal name.
func classifyExit(ee *osexec.ExitError) (code int, signal string) {
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -1, unix.SignalName(ws.Signal())
		}
		return ws.ExitStatus(), ""
	}
	return ee.ExitCode(), ""
}
