package filelock

import (
	"errors"
	"os"
	"syscall"
)

// ProcessAlive reports whether pid refers to a running process, probing it
// with signal 0. A permission error means the process exists but belongs to
// another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
