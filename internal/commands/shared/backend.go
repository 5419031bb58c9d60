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

package shared

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/openworkflow/internal/config"
	"github.com/tombee/openworkflow/internal/log"
	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/backend/memory"
	"github.com/tombee/openworkflow/pkg/backend/postgres"
	"github.com/tombee/openworkflow/pkg/backend/sqlite"
)

// CommandTimeout bounds one management command against the backend.
const CommandTimeout = 30 * time.Second

// LoadConfig resolves and loads the CLI configuration, honoring --config
// and falling back to openworkflow.yaml discovery in the working
// directory.
func LoadConfig() (*config.Config, error) {
	path := config.Discover(GetConfigPath())
	return config.Load(path)
}

// NewLogger builds the CLI logger from config plus the global verbosity
// flags. --verbose forces debug, --quiet forces error, and --json forces
// JSON records regardless of the configured format. The leveler, when
// given, allows config reloads to retune the level at runtime.
func NewLogger(cfg *config.Config, leveler *slog.LevelVar) *slog.Logger {
	level := cfg.Log.Level
	if GetVerbose() {
		level = "debug"
	}
	if GetQuiet() {
		level = "error"
	}
	if leveler != nil {
		leveler.Set(log.ParseLevel(level))
	}

	format := log.Format(cfg.Log.Format)
	if GetJSON() {
		format = log.FormatJSON
	}

	return log.New(&log.Config{
		Level:     level,
		Format:    format,
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
		Leveler:   leveler,
	})
}

// WithBackend runs fn against the configured backend under the standard
// command timeout, closing the backend afterwards. Management commands
// talk to the store directly; no daemon is involved.
func WithBackend(fn func(ctx context.Context, store backend.Backend) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger := NewLogger(cfg, nil)

	store, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store)
}

// OpenBackend constructs the storage backend named by the configuration.
// Callers own the returned backend and must Close it.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	logger.Debug("opening backend",
		"driver", cfg.Backend.Driver,
		"dsn", log.SanitizeDSN(cfg.Backend.DSN),
		"namespace", cfg.Backend.Namespace,
	)

	switch cfg.Backend.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:       cfg.Backend.DSN,
			Schema:    cfg.Backend.Schema,
			Namespace: cfg.Backend.Namespace,
		})
	case config.DriverSQLite:
		return sqlite.New(sqlite.Config{
			Path:      cfg.Backend.DSN,
			Namespace: cfg.Backend.Namespace,
			WAL:       cfg.Backend.WAL,
		})
	case config.DriverMemory:
		return memory.New(memory.Config{Namespace: cfg.Backend.Namespace}), nil
	default:
		// Config validation rejects unknown drivers before we get here.
		return nil, NewConfigExitError("unknown backend driver "+cfg.Backend.Driver, nil)
	}
}
