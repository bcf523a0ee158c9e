package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates cached tenant records when their files change on disk,
// so out-of-band edits (an operator fixing a record by hand) take effect
// without a restart. Blocks until the context is cancelled.
func (s *TenantStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	s.logger.Debug("watching tenant dir", slog.String("dir", s.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			tenant := strings.TrimSuffix(name, ".json")
			s.Invalidate(tenant)
			s.logger.Debug("tenant record changed on disk", slog.String("tenant", tenant))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("tenant watcher error", slog.String("error", err.Error()))
		}
	}
}
