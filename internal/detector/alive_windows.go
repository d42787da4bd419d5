//go:build windows

package detector

import (
	"syscall"
	"unsafe"
)

const stillActive = 259

var procGetExitCodeProcess = syscall.NewLazyDLL("kernel32.dll").NewProc("GetExitCodeProcess")

// PIDAlive opens the process for query and checks it has not exited.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()

	var code uint32
	ret, _, _ := procGetExitCodeProcess.Call(uintptr(h), uintptr(unsafe.Pointer(&code)))
	if ret == 0 {
		return true
	}
	return code == stillActive
}
