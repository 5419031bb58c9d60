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

package configwatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/openworkflow/internal/config"
)

// writeLevel writes a minimal config with the given log level.
func writeLevel(t *testing.T, path, level string) {
	t.Helper()
	body := []byte("\nbackend:\n  driver: memory\nlog:\n  level: " + level + "\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// newWatcher builds a watcher with a fast reload limit and registers
// cleanup.
func newWatcher(t *testing.T, path string, level *slog.LevelVar, onReload func(*config.Config)) *Watcher {
	t.Helper()
	w, err := New(Config{
		Path:           path,
		Level:          level,
		Logger:         slog.New(slog.DiscardHandler),
		OnReload:       onReload,
		ReloadInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestNewValidation(t *testing.T) {
	var level slog.LevelVar
	if _, err := New(Config{Level: &level}); err == nil {
		t.Error("expected error without path")
	}
	if _, err := New(Config{Path: "x.yaml"}); err == nil {
		t.Error("expected error without level var")
	}
}

func TestReloadAppliesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openworkflow.yaml")
	writeLevel(t, path, "info")

	var level slog.LevelVar
	level.Set(slog.LevelInfo)

	reloaded := make(chan *config.Config, 16)
	newWatcher(t, path, &level, func(c *config.Config) { reloaded <- c })

	writeLevel(t, path, "debug")

	waitFor(t, func() bool { return level.Level() == slog.LevelDebug })

	select {
	case cfg := <-reloaded:
		if cfg.Log.Level != "debug" {
			t.Errorf("reloaded level = %q, want debug", cfg.Log.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnReload was not called")
	}
}

func TestReloadSurvivesReplaceByRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openworkflow.yaml")
	writeLevel(t, path, "info")

	var level slog.LevelVar
	level.Set(slog.LevelInfo)
	newWatcher(t, path, &level, nil)

	// Write-to-temp-then-rename, the way editors and config managers
	// replace files.
	tmp := filepath.Join(dir, ".openworkflow.yaml.tmp")
	writeLevel(t, tmp, "error")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	waitFor(t, func() bool { return level.Level() == slog.LevelError })
}

func TestBrokenConfigKeepsPreviousLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openworkflow.yaml")
	writeLevel(t, path, "warn")

	var level slog.LevelVar
	level.Set(slog.LevelWarn)

	reloaded := make(chan *config.Config, 16)
	newWatcher(t, path, &level, func(c *config.Config) { reloaded <- c })

	if err := os.WriteFile(path, []byte("backend: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	// A valid write afterwards must still be picked up: the watcher
	// survives bad intermediate states. The sleep keeps the two writes
	// from landing inside one limiter window.
	time.Sleep(50 * time.Millisecond)
	writeLevel(t, path, "debug")
	waitFor(t, func() bool { return level.Level() == slog.LevelDebug })
}

func TestUnrelatedFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openworkflow.yaml")
	writeLevel(t, path, "info")

	var level slog.LevelVar
	level.Set(slog.LevelInfo)

	reloaded := make(chan *config.Config, 16)
	newWatcher(t, path, &level, func(c *config.Config) { reloaded <- c })

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
