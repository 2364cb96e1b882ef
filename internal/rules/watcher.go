package rules

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the rule file when it changes on disk. Rapid
// successive writes are debounced; a reload failure keeps the previous
// set active.
type Watcher struct {
	engine     *Engine
	source     *FileSource
	path       string
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	lastChange time.Time
	logger     *zap.Logger
}

// NewWatcher watches the directory containing the rule file. Watching
// the directory rather than the file survives editors that replace the
// file via rename.
func NewWatcher(engine *Engine, path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		engine:   engine,
		source:   NewFileSource(path),
		path:     path,
		watcher:  fw,
		debounce: 200 * time.Millisecond,
		logger:   logger,
	}, nil
}

// Start blocks processing file events until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleChange() {
	if time.Since(w.lastChange) < w.debounce {
		return
	}
	w.lastChange = time.Now()

	if err := w.engine.Reload(w.source); err != nil {
		w.logger.Warn("rule reload failed, keeping previous set",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.logger.Info("rules reloaded", zap.String("path", w.path))
}
