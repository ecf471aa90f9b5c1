//go:build !unix

package exec

import osexec "os/exec"

func setProcessGroup(_ *osexec.Cmd) {}

func killProcessGroup(cmd *osexec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func classifyExit(ee *osexec.ExitError) (code int, signal string) {
	return ee.ExitCode(), ""
}
