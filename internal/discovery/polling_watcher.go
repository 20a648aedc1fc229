package discovery

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultPollInterval = 2 * time.Second

// FileOp mirrors the fsnotify operations the discovery loop handles.
type FileOp int

const (
	Create FileOp = iota
	Write
	Remove
)

func (op FileOp) String() string {
	switch op {
	case Create:
		return "CREATE"
	case Write:
		return "WRITE"
	case Remove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one observed change in the watched directory.
type FileEvent struct {
	Path string
	Op   FileOp
}

type fileState struct {
	modTime time.Time
	size    int64
}

// PollingWatcher is the fallback for directories where inotify cannot be
// used (network filesystems, some container mounts). It diffs the
// directory listing on a fixed cadence and emits events compatible with
// the fsnotify consumer. Instance files are written via atomic rename,
// so modtime plus size is enough to detect every change.
type PollingWatcher struct {
	dir      string
	interval time.Duration
	events   chan FileEvent
	errors   chan error
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	known map[string]fileState
}

func NewPollingWatcher(dir string, interval time.Duration) *PollingWatcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &PollingWatcher{
		dir:      dir,
		interval: interval,
		events:   make(chan FileEvent, 16),
		errors:   make(chan error, 4),
		done:     make(chan struct{}),
		known:    make(map[string]fileState),
	}
}

// Start primes the baseline and begins polling. The first tick reports
// only changes made after Start, not the directory's initial contents.
func (pw *PollingWatcher) Start() {
	if current, err := pw.snapshot(); err == nil {
		pw.mu.Lock()
		pw.known = current
		pw.mu.Unlock()
	}
	go pw.loop()
}

// Stop ends polling and closes the event channels.
func (pw *PollingWatcher) Stop() error {
	pw.stopOnce.Do(func() { close(pw.done) })
	return nil
}

func (pw *PollingWatcher) Events() <-chan FileEvent {
	return pw.events
}

func (pw *PollingWatcher) Errors() <-chan error {
	return pw.errors
}

func (pw *PollingWatcher) loop() {
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.done:
			close(pw.events)
			close(pw.errors)
			return
		case <-ticker.C:
			pw.poll()
		}
	}
}

func (pw *PollingWatcher) poll() {
	current, err := pw.snapshot()
	if err != nil {
		pw.reportError(err)
		return
	}

	pw.mu.Lock()
	known := pw.known
	pw.known = current
	pw.mu.Unlock()

	for name, state := range current {
		prev, ok := known[name]
		switch {
		case !ok:
			pw.emit(FileEvent{Path: filepath.Join(pw.dir, name), Op: Create})
		case prev.modTime != state.modTime || prev.size != state.size:
			pw.emit(FileEvent{Path: filepath.Join(pw.dir, name), Op: Write})
		}
	}
	for name := range known {
		if _, ok := current[name]; !ok {
			pw.emit(FileEvent{Path: filepath.Join(pw.dir, name), Op: Remove})
		}
	}
}

func (pw *PollingWatcher) snapshot() (map[string]fileState, error) {
	entries, err := os.ReadDir(pw.dir)
	if err != nil {
		return nil, err
	}

	current := make(map[string]fileState, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat; the next poll settles it.
			continue
		}
		current[entry.Name()] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	return current, nil
}

func (pw *PollingWatcher) emit(event FileEvent) {
	select {
	case pw.events <- event:
	case <-pw.done:
	}
}

func (pw *PollingWatcher) reportError(err error) {
	select {
	case pw.errors <- err:
	default:
	}
}
