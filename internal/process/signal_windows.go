//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate = 0x0001
	errInvalidParam  = syscall.Errno(87)
)

// killProcess terminates a Windows process by pid. Windows has no signals;
// any non-zero signal maps to TerminateProcess.
func killProcess(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if signal == 0 {
		return nil
	}
	ret, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return err
	}
	h := ret
	defer func() { _, _, _ = procCloseHandle.Call(h) }()

	if ok, _, err := procTerminateProcess.Call(h, uintptr(1)); ok == 0 {
		return err
	}
	return nil
}

// killTree terminates pid; descendants are handled by the taskkill sweep.
func killTree(pid int) error {
	return killProcess(pid, sigKill)
}

// isGone reports whether err means the target process no longer exists.
func isGone(err error) bool {
	return err == errInvalidParam
}

const sigKill = syscall.Signal(9)
