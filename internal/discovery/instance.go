package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Instance represents a running waggle gateway registered on this machine.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LastPing  time.Time `json:"last_ping"`
	Version   string    `json:"version"`
}

// NewInstance builds a registration record for the current process.
func NewInstance(name, host string, port int, version string) *Instance {
	now := time.Now()
	return &Instance{
		ID:        generateInstanceID(name),
		Name:      name,
		Host:      host,
		Port:      port,
		PID:       os.Getpid(),
		StartedAt: now,
		LastPing:  now,
		Version:   version,
	}
}

// generateInstanceID produces a name-prefixed random identifier
func generateInstanceID(prefix string) string {
	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		// Fallback to timestamp-based ID on error
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(randomBytes))
}

// URL returns the instance's MCP endpoint.
func (i *Instance) URL() string {
	host := i.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s/mcp", net.JoinHostPort(host, strconv.Itoa(i.Port)))
}

// Stale reports whether the instance has missed its ping window.
func (i *Instance) Stale(maxAge time.Duration) bool {
	return time.Since(i.LastPing) > maxAge
}

// Discovery manages instance discovery via file watching
type Discovery struct {
	mu              sync.RWMutex
	instances       map[string]*Instance
	instancesDir    string
	watcher         *fsnotify.Watcher
	poller          *PollingWatcher
	updateCallbacks []func(instances map[string]*Instance)
}

// New creates a discovery system watching instancesDir with fsnotify.
// If inotify cannot be set up for the directory (network filesystems,
// some container mounts) it falls back to polling.
func New(instancesDir string) (*Discovery, error) {
	d, err := newDiscovery(instancesDir)
	if err != nil {
		return nil, err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		werr = watcher.Add(instancesDir)
	}
	if werr != nil {
		if watcher != nil {
			watcher.Close()
		}
		d.poller = NewPollingWatcher(instancesDir, defaultPollInterval)
	} else {
		d.watcher = watcher
	}

	if err := d.scanDirectory(); err != nil {
		d.Stop()
		return nil, fmt.Errorf("initial directory scan failed: %w", err)
	}
	return d, nil
}

// NewPolling creates a discovery system that always polls instead of
// using inotify.
func NewPolling(instancesDir string, interval time.Duration) (*Discovery, error) {
	d, err := newDiscovery(instancesDir)
	if err != nil {
		return nil, err
	}
	d.poller = NewPollingWatcher(instancesDir, interval)

	if err := d.scanDirectory(); err != nil {
		d.Stop()
		return nil, fmt.Errorf("initial directory scan failed: %w", err)
	}
	return d, nil
}

func newDiscovery(instancesDir string) (*Discovery, error) {
	if err := os.MkdirAll(instancesDir, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create instances directory: %w", err)
	}
	return &Discovery{
		instances:    make(map[string]*Instance),
		instancesDir: instancesDir,
	}, nil
}

// Start begins watching for instance changes
func (d *Discovery) Start() {
	if d.poller != nil {
		d.poller.Start()
		go d.watchPolling()
		return
	}
	go d.watch()
}

// Stop stops the discovery system
func (d *Discovery) Stop() error {
	if d.poller != nil {
		return d.poller.Stop()
	}
	return d.watcher.Close()
}

// GetInstances returns a copy of the current instances
func (d *Discovery) GetInstances() map[string]*Instance {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string]*Instance, len(d.instances))
	for k, v := range d.instances {
		result[k] = v
	}
	return result
}

// OnUpdate registers a callback for instance updates
func (d *Discovery) OnUpdate(callback func(instances map[string]*Instance)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCallbacks = append(d.updateCallbacks, callback)
}

// scanDirectory scans the instances directory for existing instance files
func (d *Discovery) scanDirectory() error {
	entries, err := os.ReadDir(d.instancesDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isInstanceFile(entry.Name()) {
			continue
		}

		instancePath := filepath.Join(d.instancesDir, entry.Name())
		if err := d.loadInstance(instancePath); err != nil {
			// Log error but continue scanning
			fmt.Fprintf(os.Stderr, "Failed to load instance %s: %v\n", entry.Name(), err)
		}
	}

	return nil
}

// watch monitors the instances directory through fsnotify
func (d *Discovery) watch() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if !isInstanceFile(filepath.Base(event.Name)) {
				continue
			}

			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				if err := d.loadInstance(event.Name); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to load instance %s: %v\n", event.Name, err)
				}
			case event.Has(fsnotify.Remove):
				d.removeInstance(event.Name)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Watcher error: %v\n", err)
		}
	}
}

// watchPolling monitors the instances directory through the poller
func (d *Discovery) watchPolling() {
	for {
		select {
		case event, ok := <-d.poller.Events():
			if !ok {
				return
			}

			if !isInstanceFile(filepath.Base(event.Path)) {
				continue
			}

			switch event.Op {
			case Create, Write:
				if err := d.loadInstance(event.Path); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to load instance %s: %v\n", event.Path, err)
				}
			case Remove:
				d.removeInstance(event.Path)
			}

		case err, ok := <-d.poller.Errors():
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Watcher error: %v\n", err)
		}
	}
}

// loadInstance loads an instance from a file
func (d *Discovery) loadInstance(path string) error {
	instance, err := readInstanceFile(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.instances[instance.ID] = instance
	callbacks := d.updateCallbacks
	d.mu.Unlock()

	d.notify(callbacks)
	return nil
}

// removeInstance removes an instance when its file is deleted
func (d *Discovery) removeInstance(path string) {
	instanceID := extractInstanceID(filepath.Base(path))
	if instanceID == "" {
		return
	}

	d.mu.Lock()
	_, known := d.instances[instanceID]
	delete(d.instances, instanceID)
	callbacks := d.updateCallbacks
	d.mu.Unlock()

	if known {
		d.notify(callbacks)
	}
}

func (d *Discovery) notify(callbacks []func(instances map[string]*Instance)) {
	instances := d.GetInstances()
	for _, callback := range callbacks {
		callback(instances)
	}
}

// isInstanceFile checks if a filename is an instance file
func isInstanceFile(name string) bool {
	return filepath.Ext(name) == ".json" && len(name) > 5
}

// extractInstanceID extracts the instance ID from a filename
func extractInstanceID(filename string) string {
	if !isInstanceFile(filename) {
		return ""
	}
	return filename[:len(filename)-5] // Remove .json extension
}
