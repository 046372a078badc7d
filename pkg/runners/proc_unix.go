//go:build !windows

package runners

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the action in its own process group so that shell
// children receive the termination signal too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
