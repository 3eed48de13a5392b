package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDebounceInterval is how often the watcher checks whether
	// a burst of writes to the catalogue has settled.
	watcherDebounceInterval = 250 * time.Millisecond

	// watcherSettleTime is how long the file must be quiet before it
	// is reloaded.
	watcherSettleTime = 200 * time.Millisecond
)

// CatalogueWatcher loads the tool catalogue into a registry and reloads
// it whenever the file changes.
type CatalogueWatcher struct {
	path     string
	registry *Registry
	logger   *slog.Logger
	managed  map[string]*models.Tool
	reloaded chan struct{}
}

// NewCatalogueWatcher returns a watcher for the catalogue at path.
func NewCatalogueWatcher(path string, registry *Registry, logger *slog.Logger) *CatalogueWatcher {
	return &CatalogueWatcher{
		path:     path,
		registry: registry,
		logger:   logger,
		managed:  make(map[string]*models.Tool),
	}
}

// Load reads and applies the catalogue once.
func (w *CatalogueWatcher) Load(ctx context.Context) error {
	tools, err := LoadCatalogue(w.path)
	if err != nil {
		return err
	}

	managed, err := ApplyCatalogue(ctx, w.registry, tools, w.managed, w.logger)
	w.managed = managed

	return err
}

// Watch blocks until ctx is cancelled, reloading the catalogue after
// each change. The parent directory is watched so that editors which
// replace the file by rename are handled. A catalogue that fails to
// parse is logged and the previous tools stay in place.
func (w *CatalogueWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching catalogue dir: %w", err)
	}

	w.logger.Info("catalogue watcher started", slog.String("path", target))

	var changedAt time.Time

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				changedAt = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("catalogue watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if changedAt.IsZero() || time.Since(changedAt) < watcherSettleTime {
				continue
			}

			changedAt = time.Time{}

			if err := w.Load(ctx); err != nil {
				w.logger.Warn("catalogue reload failed", slog.String("error", err.Error()))
			}

			if w.reloaded != nil {
				select {
				case w.reloaded <- struct{}{}:
				default:
				}
			}
		}
	}
}
