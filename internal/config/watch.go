package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-mom/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes and hands the result to
// onChange. Invalid files are logged and skipped.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewWatcher watches the directory holding path, so editors that replace
// the file on save are still seen.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run blocks until Stop or ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	var (
		debounceTimer *time.Timer
		mu            sync.Mutex
	)
	defer func() {
		mu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, w.reload)
			mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	configLog.Info("config_reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}

// Stop ends Run and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		_ = w.watcher.Close()
	})
}
