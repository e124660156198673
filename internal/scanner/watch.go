package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay gives a newly created file time to finish copying before it
// is stated and queued.
const settleDelay = 5 * time.Second

// Watch enqueues files created under the library roots between scans.
// Blocks until the context is cancelled.
func (s *Scanner) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range s.cfg.MediaDirectories {
		if err := addRecursive(watcher, dir); err != nil {
			s.logger.Warn("failed to watch library root",
				slog.String("directory", dir),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("library watch started", slog.Int("roots", len(s.cfg.MediaDirectories)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent reacts to a single filesystem event. New directories are
// added to the watch; new video files are queued after a settle delay.
func (s *Scanner) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if err := addRecursive(watcher, event.Name); err != nil {
			s.logger.Warn("failed to watch new directory",
				slog.String("directory", event.Name),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if !s.IsCandidate(event.Name) {
		return
	}

	go func(path string) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(settleDelay):
		}

		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if err := s.upsert(ctx, path, info.Size()); err != nil {
			s.logger.Error("failed to queue watched file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("watched file queued", slog.String("path", path))
	}(event.Name)
}

// addRecursive watches dir and every subdirectory beneath it.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if skippedDirNames[name] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
