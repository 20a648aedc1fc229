package watch

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/standardbeagle/waggle/internal/mcp"
)

// Notifier receives change notifications for registered resources.
type Notifier interface {
	NotifyResourceUpdated(uri string)
}

// Provider serves local files as MCP resources. Files registered with
// watching enabled push notifications/resources/updated to subscribers
// when they change on disk.
type Provider struct {
	catalog  *mcp.Catalog
	notifier Notifier
	logger   *zap.Logger

	mu      sync.RWMutex
	uris    map[string]string // absolute path -> resource URI
	watched map[string]bool   // directories already added to the watcher

	watcher *fsnotify.Watcher
}

// New builds a provider registering file resources into catalog. When the
// platform cannot supply a watcher (some network filesystems, restricted
// containers) registration still works and only change notifications are
// disabled.
func New(catalog *mcp.Catalog, notifier Notifier, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		catalog:  catalog,
		notifier: notifier,
		logger:   logger,
		uris:     make(map[string]string),
		watched:  make(map[string]bool),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("file watching unavailable, resource update notifications disabled", zap.Error(err))
	} else {
		p.watcher = watcher
	}
	return p
}

// AddFile registers path as a file:// resource under the given display
// name. The file is read on every resources/read so content is never
// stale. With watchChanges set, writes to the file notify subscribers.
func (p *Provider) AddFile(name, path, mimeType string, watchChanges bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("resource file %s: %w", abs, err)
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(abs))
	}
	uri := fileURI(abs)

	err = p.catalog.RegisterResource(mcp.Resource{
		URI:         uri,
		Name:        name,
		Description: fmt.Sprintf("Local file %s", abs),
		MimeType:    mimeType,
		Handler: func(ctx context.Context, _ string) (string, error) {
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", abs, err)
			}
			return string(data), nil
		},
	})
	if err != nil {
		return err
	}

	if !watchChanges || p.watcher == nil {
		return nil
	}

	// Watch the parent directory rather than the file itself: editors that
	// save via rename would otherwise silently drop the watch.
	dir := filepath.Dir(abs)
	p.mu.Lock()
	p.uris[abs] = uri
	addDir := !p.watched[dir]
	if addDir {
		p.watched[dir] = true
	}
	p.mu.Unlock()

	if addDir {
		if err := p.watcher.Add(dir); err != nil {
			p.logger.Warn("cannot watch directory",
				zap.String("dir", dir), zap.Error(err))
		}
	}
	return nil
}

// URIFor returns the registered resource URI for path, if any.
func (p *Provider) URIFor(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	uri, ok := p.uris[abs]
	return uri, ok
}

// Run forwards file change events to the notifier until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) {
	if p.watcher == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handleEvent(event)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (p *Provider) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	p.mu.RLock()
	uri, ok := p.uris[abs]
	p.mu.RUnlock()
	if !ok {
		return
	}

	p.logger.Debug("resource changed",
		zap.String("uri", uri), zap.String("op", event.Op.String()))
	p.notifier.NotifyResourceUpdated(uri)
}

// Close stops the underlying watcher.
func (p *Provider) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

func fileURI(abs string) string {
	return "file://" + filepath.ToSlash(abs)
}
