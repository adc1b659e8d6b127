// internal/core/api/watch.go
package api

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/solatis/synthkeeper/internal/core/config"
)

/*
 * Sensor file hot reload.
 *
 * The parent directory is watched rather than the file so editors that
 * save through rename are still seen. Bursts of events are coalesced; a
 * file that fails to parse or validate leaves the running engine in place.
 */

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a sensor file into a FormulaService when it changes.
type Watcher struct {
	path     string
	service  *FormulaService
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	reloaded chan error
}

// WatchSensors starts watching path. Call Run to process events.
func WatchSensors(path string, service *FormulaService, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		path:     abs,
		service:  service,
		watcher:  fw,
		logger:   logger,
		debounce: defaultDebounce,
	}, nil
}

// Reloaded returns a channel receiving the outcome of every reload attempt.
// Must be called before Run.
func (w *Watcher) Reloaded() <-chan error {
	if w.reloaded == nil {
		w.reloaded = make(chan error, 8)
	}
	return w.reloaded
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "sensor file watch error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	err := w.load(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "sensor file reload failed, keeping previous configuration",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	}
	if w.reloaded != nil {
		select {
		case w.reloaded <- err:
		default:
		}
	}
}

func (w *Watcher) load(ctx context.Context) error {
	cfg, err := config.LoadSensors(w.path)
	if err != nil {
		return err
	}
	if err := w.service.Load(ctx, cfg); err != nil {
		return err
	}
	if eng := w.service.Engine(); eng != nil {
		eng.EvaluateAll(ctx)
	}
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
