//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ConfigureSysProcAttr places the child in its own process group so a
// forced termination reaches the daemons it forks.
func ConfigureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
