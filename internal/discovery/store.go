package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockFileName = ".discovery.lock"

// Store reads and writes instance files under a cross-process flock.
// Single-file writes are already atomic via temp file + rename; the lock
// keeps multi-step sequences (ping refresh, stale reaping) consistent
// when several gateways share the directory.
type Store struct {
	dir         string
	lockTimeout time.Duration
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, lockTimeout: 10 * time.Second}
}

// Register validates the record and writes it under the lock.
func (s *Store) Register(instance *Instance) error {
	if err := validateInstance(instance); err != nil {
		return fmt.Errorf("invalid instance: %w", err)
	}
	return s.withLock(func() error {
		return s.write(instance)
	})
}

// Unregister removes the record; a missing file is not an error.
func (s *Store) Unregister(instanceID string) error {
	return s.withLock(func() error {
		if err := os.Remove(s.path(instanceID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove instance file: %w", err)
		}
		return nil
	})
}

// RefreshPing stamps the record's LastPing. The read-modify-write runs
// under the lock so two processes cannot interleave.
func (s *Store) RefreshPing(instanceID string) error {
	return s.withLock(func() error {
		instance, err := s.read(instanceID)
		if err != nil {
			return err
		}
		instance.LastPing = time.Now()
		return s.write(instance)
	})
}

// Get reads one instance record.
func (s *Store) Get(instanceID string) (*Instance, error) {
	var instance *Instance
	err := s.withLock(func() error {
		var readErr error
		instance, readErr = s.read(instanceID)
		return readErr
	})
	return instance, err
}

// List returns every readable instance in the directory. Entries that
// fail to parse or validate are skipped: a half-written file from a
// crashed gateway must not hide the healthy ones.
func (s *Store) List() (map[string]*Instance, error) {
	instances := make(map[string]*Instance)
	err := s.withLock(func() error {
		entries, err := os.ReadDir(s.dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read instances directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isInstanceFile(entry.Name()) {
				continue
			}
			id := extractInstanceID(entry.Name())
			instance, err := s.read(id)
			if err != nil {
				continue
			}
			instances[id] = instance
		}
		return nil
	})
	return instances, err
}

func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(s.dir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(s.dir, lockFileName))
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire discovery lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("discovery lock busy for %v", s.lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

func (s *Store) path(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".json")
}

func (s *Store) write(instance *Instance) error {
	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}
	if err := AtomicWriteFile(s.path(instance.ID), data, DefaultFileMode); err != nil {
		return fmt.Errorf("failed to write instance file: %w", err)
	}
	return nil
}

func (s *Store) read(instanceID string) (*Instance, error) {
	return readInstanceFile(s.path(instanceID))
}
