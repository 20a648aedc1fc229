//go:build windows

package discovery

import "os"

// pidAlive reports whether a process with the given PID still exists.
// Windows has no signal 0, so err on the side of keeping the instance:
// a stale entry is less harmful than reaping a live gateway.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
