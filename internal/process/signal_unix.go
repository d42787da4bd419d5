//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// killProcess sends a signal to a single Unix process.
func killProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// killTree sends SIGKILL to the process group led by pid, falling back to
// the pid alone when it does not lead a group.
func killTree(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		return killProcess(pid, syscall.SIGKILL)
	}
	return err
}

// isGone reports whether err means the target process no longer exists.
func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

const sigKill = syscall.SIGKILL
