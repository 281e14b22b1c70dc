package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay gives the producing tool time to finish writing the export
// file before it is read.
const settleDelay = 500 * time.Millisecond

// Watch imports export files dropped into the export directory while the
// bot is running, so an operator does not need to restart it after
// producing one. Blocks until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	dir := m.exportDir()
	if dir == "" {
		return fmt.Errorf("no export path configured, nothing to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create export watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	m.log.WithField("dir", dir).Info("Watching for key export files")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.cfg.ExportPath) {
				continue
			}

			select {
			case <-time.After(settleDelay):
			case <-ctx.Done():
				return nil
			}

			n, err := m.ImportExportFile(ctx, m.cfg.ExportPath)
			if err != nil {
				m.log.WithError(err).Warn("Failed to import dropped export file")
				continue
			}
			if n > 0 {
				m.sweep(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.WithError(err).Warn("Export watcher error")
		}
	}
}
