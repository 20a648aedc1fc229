package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultFileMode restricts instance files to the owning user.
	DefaultFileMode os.FileMode = 0600
	// DefaultDirMode restricts the instances directory to the owning user.
	DefaultDirMode os.FileMode = 0700

	// StaleInstanceAge is how long an instance may miss pings before
	// cleanup considers reaping it.
	StaleInstanceAge = 5 * time.Minute
)

// validateInstance rejects registration records that would produce an
// unroutable or unreapable entry.
func validateInstance(instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("instance is nil")
	}
	if instance.ID == "" {
		return fmt.Errorf("instance ID is empty")
	}
	if strings.ContainsAny(instance.ID, "/\\") {
		return fmt.Errorf("instance ID %q contains path separators", instance.ID)
	}
	if instance.Name == "" {
		return fmt.Errorf("instance name is empty")
	}
	if instance.Port <= 0 || instance.Port > 65535 {
		return fmt.Errorf("instance port %d out of range", instance.Port)
	}
	if instance.PID <= 0 {
		return fmt.Errorf("instance PID %d invalid", instance.PID)
	}
	return nil
}

// RegisterInstance registers a waggle gateway instance atomically
func RegisterInstance(instancesDir string, instance *Instance) error {
	return NewStore(instancesDir).Register(instance)
}

// UnregisterInstance removes an instance registration
func UnregisterInstance(instancesDir string, instanceID string) error {
	return NewStore(instancesDir).Unregister(instanceID)
}

// UpdateInstancePing updates the last ping time for an instance
func UpdateInstancePing(instancesDir string, instanceID string) error {
	return NewStore(instancesDir).RefreshPing(instanceID)
}

// CleanupStale removes registrations left behind by gateways that died
// without unregistering. An instance is reaped only when its ping is
// older than maxAge and its process is gone. Returns the removed IDs.
func CleanupStale(instancesDir string, maxAge time.Duration) ([]string, error) {
	store := NewStore(instancesDir)
	instances, err := store.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for id, instance := range instances {
		if !instance.Stale(maxAge) || pidAlive(instance.PID) {
			continue
		}
		if err := store.Unregister(id); err != nil {
			return removed, fmt.Errorf("failed to remove stale instance %s: %w", id, err)
		}
		removed = append(removed, id)
	}

	sort.Strings(removed)
	return removed, nil
}

// GetDefaultInstancesDir returns the default instances directory
func GetDefaultInstancesDir() string {
	// Prefer XDG_RUNTIME_DIR (Linux standard)
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return filepath.Join(runtime, "waggle", "instances")
	}

	return filepath.Join(os.TempDir(), "waggle", "instances")
}

// readInstanceFile reads and validates a single instance file.
func readInstanceFile(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var instance Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance data: %w", err)
	}

	if err := validateInstance(&instance); err != nil {
		return nil, fmt.Errorf("invalid instance data: %w", err)
	}

	return &instance, nil
}

// AtomicWriteFile writes data to a file atomically using temp file + rename
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	// Create directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Temp file must live in the same directory for the rename to be atomic
	tempFile, err := os.CreateTemp(dir, ".tmp-instance-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	// Clean up temp file on error
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	// Close before rename
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tempFile = nil // Prevent defer cleanup

	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}
