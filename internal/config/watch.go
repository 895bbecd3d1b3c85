// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// DefaultWatchDebounce coalesces the burst of events an editor or an
// atomic rename produces.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
//
// The parent directory is watched rather than the file itself, because
// SaveTOML and most editors replace the file by renaming, which drops a
// watch placed on the old inode.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	once sync.Once
}

// Watch starts watching path. onChange receives each successfully loaded
// and validated config; a file that fails to load is logged and skipped,
// so the previous config stays in effect.
func Watch(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultWatchDebounce,
		onChange: onChange,
		logger:   logger.With("component", "config-watch"),
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.processEvents()
	return w, nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}
