package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/shaiso/Stepflow/internal/repo"
)

// Интервалы опроса метаданных при ожидании job.
const (
	waitInitialInterval = 50 * time.Millisecond
	waitMaxInterval     = 2 * time.Second
)

// infoWaiter ждёт изменения файла метаданных job.
//
// События fsnotify на директории метаданных будят ожидание сразу;
// экспоненциальный опрос страхует от потерянных событий (NFS,
// недоступный inotify).
type infoWaiter struct {
	infoPath string
	watcher  *fsnotify.Watcher
	bo       *backoff.ExponentialBackOff
	logger   *slog.Logger
}

func newInfoWaiter(path string, logger *slog.Logger) *infoWaiter {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = waitInitialInterval
	bo.MaxInterval = waitMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	w := &infoWaiter{
		infoPath: filepath.Clean(repo.InfoPath(path)),
		bo:       bo,
		logger:   logger,
	}

	dir := filepath.Dir(w.infoPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Debug("metadata dir unavailable, polling", "dir", dir, "error", err)
		return w
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("fsnotify unavailable, polling", "error", err)
		return w
	}
	if err := watcher.Add(dir); err != nil {
		logger.Debug("watch metadata dir failed, polling", "dir", dir, "error", err)
		watcher.Close()
		return w
	}
	w.watcher = watcher
	return w
}

// Wait блокируется до изменения метаданных, очередного интервала
// опроса или отмены ctx.
func (w *infoWaiter) Wait(ctx context.Context) error {
	timer := time.NewTimer(w.bo.NextBackOff())
	defer timer.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.infoPath {
				w.bo.Reset()
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Debug("metadata watcher error", "error", err)
		}
	}
}

// Close освобождает watcher.
func (w *infoWaiter) Close() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}
