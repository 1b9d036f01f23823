package credentials

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/anylist/internal/checksum"
	"github.com/starford/anylist/internal/models"
)

// ChangeCallback receives the reloaded credentials, or nil after deletion.
type ChangeCallback func(c *models.Credentials)

// Watch observes the credentials file for changes made by other writers
// until ctx is cancelled. The containing directory is watched rather than
// the file itself because Save replaces the file by rename. Events that
// leave the content unchanged are skipped.
func (s *Store) Watch(ctx context.Context, cb ChangeCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	last, err := checksum.File(s.path)
	if err != nil {
		return err
	}

	s.logger.Info("credentials: watching", slog.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("credentials: watch stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			sum, err := checksum.File(s.path)
			if err != nil {
				s.logger.Warn("credentials: checksum failed", slog.String("error", err.Error()))
				continue
			}
			if sum == last {
				continue
			}
			last = sum

			if sum == "" {
				s.logger.Info("credentials: file removed")
				if cb != nil {
					cb(nil)
				}
				continue
			}

			c, err := s.Load()
			if err != nil {
				s.logger.Warn("credentials: reload failed", slog.String("error", err.Error()))
				continue
			}
			if c == nil {
				continue
			}
			s.logger.Info("credentials: reloaded", slog.String("email", c.Email))
			if cb != nil {
				cb(c)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("credentials: watch error", slog.String("error", watchErr.Error()))
		}
	}
}
