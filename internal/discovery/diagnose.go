package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// Diagnose inspects the instances directory and returns a human-readable
// hint about why registration or discovery might be failing. A healthy
// directory yields an empty string. It never mutates the directory.
func Diagnose(instancesDir string) string {
	var b strings.Builder

	info, err := os.Stat(instancesDir)
	switch {
	case os.IsNotExist(err):
		fmt.Fprintf(&b, "instances directory %s does not exist; it is created on first registration\n", instancesDir)
		return b.String()
	case err != nil:
		fmt.Fprintf(&b, "cannot stat %s: %v\n", instancesDir, err)
		return b.String()
	case !info.IsDir():
		fmt.Fprintf(&b, "%s is not a directory\n", instancesDir)
		return b.String()
	}

	if !canWrite(instancesDir) {
		fmt.Fprintf(&b, "instances directory %s is not writable by this user\n", instancesDir)
	}

	lock := flock.New(filepath.Join(instancesDir, lockFileName))
	if locked, err := lock.TryLock(); err == nil {
		if locked {
			_ = lock.Unlock()
		} else {
			b.WriteString("discovery lock is held; another gateway may be mid-update\n")
		}
	}

	entries, err := os.ReadDir(instancesDir)
	if err != nil {
		fmt.Fprintf(&b, "cannot read %s: %v\n", instancesDir, err)
		return b.String()
	}

	var invalid, stale, dead int
	for _, entry := range entries {
		if entry.IsDir() || !isInstanceFile(entry.Name()) {
			continue
		}
		instance, err := readInstanceFile(filepath.Join(instancesDir, entry.Name()))
		if err != nil {
			invalid++
			continue
		}
		if instance.Stale(StaleInstanceAge) {
			stale++
		}
		if !pidAlive(instance.PID) {
			dead++
		}
	}

	if invalid > 0 {
		fmt.Fprintf(&b, "%d instance file(s) are unreadable or invalid and should be removed by hand\n", invalid)
	}
	if dead > 0 {
		fmt.Fprintf(&b, "%d instance(s) point at dead processes; stale cleanup reaps them once their ping ages out\n", dead)
	}
	if stale > 0 {
		fmt.Fprintf(&b, "%d instance(s) have missed their ping window and may be hung\n", stale)
	}

	return b.String()
}

// canWrite probes the directory with a throwaway file; permission bits
// alone lie on network and ACL mounts.
func canWrite(dir string) bool {
	f, err := os.CreateTemp(dir, ".write-check-")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
