//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the subprocess in its own process group and makes
// cancellation kill the whole group, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}
