package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vigil-dev/vigil/pkg/logging"
)

// ReloadHandler receives the freshly loaded configuration after the watched
// file changes and passes validation.
type ReloadHandler func(cfg *Config)

// Watcher reloads a config file when it changes on disk. Editors typically
// write via rename, so the parent directory is watched rather than the file.
type Watcher struct {
	path    string
	logger  *logging.Logger
	handler ReloadHandler

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching path. The handler runs on the watcher goroutine;
// it must not block.
func NewWatcher(path string, logger *logging.Logger, handler ReloadHandler) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		handler: handler,
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	// Editors fire several events per save; coalesce them.
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(100 * time.Millisecond)
				pendingC = pending.C
			} else {
				pending.Reset(100 * time.Millisecond)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(logging.CategoryConfig, "watch_error", err.Error(), nil)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		// Keep running on the old config.
		w.logger.Warn(logging.CategoryConfig, "reload_failed", err.Error(), map[string]any{
			"path": w.path,
		})
		return
	}
	w.logger.Info(logging.CategoryConfig, "reloaded", "", map[string]any{
		"path": w.path,
	})
	w.handler(cfg)
}
