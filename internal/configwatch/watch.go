// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configwatch reloads the CLI config file while a worker is
// running. Only settings that are safe to change mid-flight are applied;
// today that is the log level. Engine parameters (backend, concurrency,
// lease) require a restart.
package configwatch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/tombee/openworkflow/internal/config"
	"github.com/tombee/openworkflow/internal/log"
)

// Config configures a Watcher.
type Config struct {
	// Path is the config file to watch. Required.
	Path string

	// Level is the live log level the watcher adjusts. Required.
	Level *slog.LevelVar

	// Logger receives reload diagnostics. nil falls back to slog.Default().
	Logger *slog.Logger

	// OnReload, when set, is called with every successfully reloaded
	// config after the level has been applied.
	OnReload func(*config.Config)

	// ReloadInterval caps how often file events trigger a reload.
	// Editors fire bursts of write/rename events per save. Default: 1s.
	ReloadInterval time.Duration
}

// Watcher applies config file changes to a running process.
type Watcher struct {
	path     string
	level    *slog.LevelVar
	logger   *slog.Logger
	onReload func(*config.Config)
	limiter  *rate.Limiter

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher for the given config file. The parent directory
// is watched rather than the file itself: editors and config management
// tools replace files by rename, which would silently end a direct watch.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Level == nil {
		return nil, fmt.Errorf("a level var is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.ReloadInterval
	if interval == 0 {
		interval = time.Second
	}

	w := &Watcher{
		path:     absPath,
		level:    cfg.Level,
		logger:   log.WithComponent(logger, "configwatch"),
		onReload: cfg.OnReload,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.eventLoop()

	return w, nil
}

// Close stops the watcher and releases the filesystem watch.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	if !w.limiter.Allow() {
		w.logger.Debug("config change coalesced", "path", w.path)
		return
	}
	w.reload()
}

// reload re-reads the file and applies the live-adjustable settings. A
// file that fails to load keeps the previous settings; workers must not
// die because a half-written config landed on disk.
func (w *Watcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous settings",
			"path", w.path, "error", err)
		return
	}

	newLevel := log.ParseLevel(cfg.Log.Level)
	if w.level.Level() != newLevel {
		w.logger.Info("log level changed",
			"from", w.level.Level().String(), "to", newLevel.String())
		w.level.Set(newLevel)
	}

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
