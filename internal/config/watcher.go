package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file on change and hands the new Config to a
// handler. Invalid or unreadable new versions are logged and skipped; the
// previous config stays in effect.
type Watcher struct {
	path    string
	logger  *zap.Logger
	handler func(Config)
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Config

	// debounce collapses the editor write/rename bursts into one reload
	debounce time.Duration
}

func NewWatcher(path string, initial Config, handler func(Config), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops
	// a watch set on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		handler:  handler,
		watcher:  fw,
		current:  initial,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run blocks until ctx is cancelled, reloading on relevant file events.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	if w.handler != nil {
		w.handler(cfg)
	}
}
