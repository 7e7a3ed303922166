package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/routes"
)

// RouteSetter receives freshly built route trees.
type RouteSetter interface {
	SetRoutes(tree *routes.Tree)
}

// ManifestReloader rebuilds the route tree from a manifest file. A manifest
// that fails to load leaves the current tree in place.
type ManifestReloader struct {
	path     string
	target   RouteSetter
	onReload func(tree *routes.Tree)
	logger   logging.Logger
}

// NewManifestReloader creates a reloader for the manifest at path.
// onReload, if non-nil, runs after every successful swap.
func NewManifestReloader(path string, target RouteSetter, onReload func(*routes.Tree), logger logging.Logger) *ManifestReloader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ManifestReloader{
		path:     path,
		target:   target,
		onReload: onReload,
		logger:   logger.WithComponent("manifest_reloader"),
	}
}

// Reload loads the manifest and swaps it in.
func (m *ManifestReloader) Reload(ctx context.Context) error {
	tree, err := routes.LoadTree(m.path)
	if err != nil {
		m.logger.Warn(ctx, err, "Route manifest rejected, keeping previous routes", "path", m.path)
		return err
	}

	m.target.SetRoutes(tree)
	m.logger.Info(ctx, "Route manifest reloaded", "path", m.path, "routes", tree.Len())
	if m.onReload != nil {
		m.onReload(tree)
	}
	return nil
}

// Handle is a ChangeHandler reloading on any batch.
func (m *ManifestReloader) Handle(events []ChangeEvent) error {
	for _, e := range events {
		// Rename-replace saves delete the old inode first; wait for the create.
		if e.Type == EventTypeDeleted || e.Type == EventTypeRenamed {
			continue
		}
		return m.Reload(context.Background())
	}
	return nil
}

// WatchManifest starts a watcher on the manifest's directory that reloads
// it after edits settle. The caller stops the returned watcher.
func WatchManifest(ctx context.Context, path string, debounce time.Duration, reloader *ManifestReloader, logger logging.Logger) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := NewFileWatcher(debounce, logger)
	if err != nil {
		return nil, err
	}

	fw.AddFilter(NameFilter(filepath.Base(path)))
	fw.AddFilter(NoTempFilter)
	fw.AddHandler(reloader.Handle)

	if err := fw.AddPath(filepath.Dir(path)); err != nil {
		fw.Stop()
		return nil, err
	}
	if err := fw.Start(ctx); err != nil {
		fw.Stop()
		return nil, err
	}
	return fw, nil
}
