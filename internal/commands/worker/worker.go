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

// Package worker implements the worker command group. `worker start`
// turns the process into a long-running worker: it claims runs from the
// configured backend and executes the workflows registered on it until
// SIGINT or SIGTERM.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/openworkflow/internal/commands/shared"
	"github.com/tombee/openworkflow/internal/config"
	"github.com/tombee/openworkflow/internal/configwatch"
	"github.com/tombee/openworkflow/internal/log"
	"github.com/tombee/openworkflow/internal/telemetry"
	"github.com/tombee/openworkflow/pkg/workflow"
)

// stopTimeout bounds the drain of in-flight runs during shutdown. Runs
// still executing when it expires are abandoned; their leases lapse and
// another worker picks them up.
const stopTimeout = 30 * time.Second

// RegisterFunc installs workflow implementations on the client before
// the worker starts claiming.
type RegisterFunc func(*workflow.Client) error

// registerHook runs during worker startup. The stock binary leaves it
// nil and serves an empty registry (claimed runs fail as unregistered);
// binaries built on this package install their workflows here.
var registerHook RegisterFunc

// SetRegisterHook installs fn as the pre-start registration hook.
func SetRegisterHook(fn RegisterFunc) {
	registerHook = fn
}

// NewWorkerCommand creates the worker command group.
func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers",
		Long:  `Commands for running worker processes against the configured backend.`,
	}

	cmd.AddCommand(newStartCommand())

	return cmd
}

type startOptions struct {
	concurrency int
	lease       string
	metricsAddr string
}

func newStartCommand() *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a worker process",
		Long: `Start a worker pool that claims and executes workflow runs until the
process receives SIGINT or SIGTERM.

Flags override the corresponding openworkflow.yaml settings for this
process only. Shutdown drains in-flight runs; anything still executing
after the drain window is abandoned to its lease and another worker
resumes it.`,
		Example: `  # Example 1: Start with the config's settings
  openworkflow worker start

  # Example 2: More parallelism and a longer lease
  openworkflow worker start --concurrency 50 --lease "2 minutes"

  # Example 3: Expose Prometheus metrics
  openworkflow worker start --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts)
		},
	}

	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Runs executed in parallel (overrides config)")
	cmd.Flags().StringVar(&opts.lease, "lease", "", "Claim lease duration, e.g. \"30s\" or \"2 minutes\" (overrides config)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (overrides config)")

	return cmd
}

func runStart(opts startOptions) error {
	cfg, watchPath, err := setup(opts)
	if err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	logger := shared.NewLogger(cfg, levelVar)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	return serve(cfg, watchPath, logger, levelVar, signals)
}

// setup loads the configuration, applies flag overrides, and re-validates
// the result. It also resolves the config path the watcher should follow.
func setup(opts startOptions) (*config.Config, string, error) {
	watchPath := config.Discover(shared.GetConfigPath())
	cfg, err := config.Load(watchPath)
	if err != nil {
		return nil, "", err
	}

	if opts.concurrency != 0 {
		cfg.Worker.Concurrency = opts.concurrency
	}
	if opts.lease != "" {
		cfg.Worker.Lease = opts.lease
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, watchPath, nil
}

// serve owns the worker process lifecycle: telemetry, backend, registry,
// worker pool, metrics endpoint, and config watch. It blocks until a
// value arrives on signals, then drains and shuts everything down.
func serve(cfg *config.Config, watchPath string, logger *slog.Logger, levelVar *slog.LevelVar, signals <-chan os.Signal) error {
	ctx := context.Background()

	version, _, _ := shared.GetVersion()
	provider, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "openworkflow-worker",
		ServiceVersion: version,
		TracesEnabled:  cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}

	store, err := shared.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := workflow.NewClient(workflow.Config{Backend: store, Logger: logger})
	if err != nil {
		return err
	}
	if registerHook != nil {
		if err := registerHook(client); err != nil {
			return fmt.Errorf("registering workflows: %w", err)
		}
	}
	if names := client.Registry().Names(); len(names) == 0 {
		logger.Warn("no workflows registered; claimed runs will fail as unregistered")
	} else {
		logger.Info("workflows registered", "count", len(names), "workflows", names)
	}

	lease, err := cfg.WorkerLease()
	if err != nil {
		return err
	}
	pool, err := client.NewWorker(workflow.WorkerConfig{
		Concurrency: cfg.Worker.Concurrency,
		Lease:       lease,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Bind the metrics listener before starting the pool so an occupied
	// port fails startup instead of logging from a goroutine.
	var metricsSrv *http.Server
	if cfg.Telemetry.MetricsAddr != "" {
		listener, err := net.Listen("tcp", cfg.Telemetry.MetricsAddr)
		if err != nil {
			return fmt.Errorf("binding metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.MetricsHandler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", log.Error(err))
			}
		}()
		logger.Info("metrics endpoint listening", "addr", listener.Addr().String())
	}

	if watchPath != "" {
		watcher, err := configwatch.New(configwatch.Config{
			Path:   watchPath,
			Level:  levelVar,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("config reload unavailable", log.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	if err := pool.Start(); err != nil {
		return err
	}
	logger.Info("worker started",
		"concurrency", cfg.Worker.Concurrency,
		"lease", lease.String(),
		"driver", cfg.Backend.Driver,
		"namespace", cfg.Backend.Namespace,
	)

	sig := <-signals
	logger.Info("shutting down", "signal", fmt.Sprint(sig))
	go func() {
		// A second signal skips the drain.
		<-signals
		logger.Warn("second signal received, exiting immediately")
		os.Exit(1)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := pool.Stop(stopCtx); err != nil {
		logger.Warn("drain incomplete; in-flight runs abandoned to their leases", log.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(stopCtx); err != nil {
			logger.Warn("metrics server shutdown", log.Error(err))
		}
	}
	if err := provider.Shutdown(stopCtx); err != nil {
		logger.Warn("telemetry shutdown", log.Error(err))
	}

	logger.Info("worker stopped")
	return nil
}
