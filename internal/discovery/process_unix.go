//go:build !windows

package discovery

import (
	"errors"
	"syscall"
)

// pidAlive reports whether a process with the given PID still exists.
// Signal 0 probes without delivering; EPERM means the process exists but
// belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
