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

// Package config loads the project-level openworkflow.yaml used by the
// CLI. Library consumers construct backends directly and never touch
// this package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/openworkflow/pkg/duration"
	owerrors "github.com/tombee/openworkflow/pkg/errors"
)

// DefaultFileName is the config file the CLI looks for in the working
// directory when --config is not given.
const DefaultFileName = "openworkflow.yaml"

// Backend drivers accepted by BackendConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Telemetry exporter protocols accepted by TelemetryConfig.Protocol.
const (
	ProtocolGRPC   = "grpc"
	ProtocolHTTP   = "http"
	ProtocolStdout = "stdout"
)

// Config is the complete CLI configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Driver is one of postgres, sqlite, memory.
	Driver string `yaml:"driver"`

	// DSN is the connection string (postgres URL or sqlite file path).
	// Environment: OPENWORKFLOW_BACKEND_DSN
	DSN string `yaml:"dsn,omitempty"`

	// Schema is the PostgreSQL schema holding the engine's tables.
	// Ignored by other drivers. Default: openworkflow
	Schema string `yaml:"schema,omitempty"`

	// Namespace scopes every row the CLI touches. Default: default
	// Environment: OPENWORKFLOW_NAMESPACE
	Namespace string `yaml:"namespace,omitempty"`

	// WAL enables write-ahead logging for on-disk SQLite databases.
	WAL bool `yaml:"wal,omitempty"`
}

// WorkerConfig configures the worker pool started by `worker start`.
type WorkerConfig struct {
	// Concurrency is the number of runs executed in parallel. Default: 10
	Concurrency int `yaml:"concurrency,omitempty"`

	// Lease is how long a claim holds off other workers, in the engine's
	// duration grammar ("30s", "2 minutes"). Default: 30s
	Lease string `yaml:"lease,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error. Default: info
	// Environment: OPENWORKFLOW_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is text or json. Default: text
	// Environment: OPENWORKFLOW_LOG_FORMAT
	Format string `yaml:"format,omitempty"`

	// AddSource includes file:line in every record.
	AddSource bool `yaml:"add_source,omitempty"`
}

// TelemetryConfig configures tracing and the metrics endpoint.
type TelemetryConfig struct {
	// Enabled turns on span export. Metrics are collected regardless;
	// they are only served when MetricsAddr is set.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	// Empty with Enabled=true falls back to the stdout exporter.
	// Environment: OPENWORKFLOW_TELEMETRY_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Protocol selects the exporter: grpc, http, or stdout.
	Protocol string `yaml:"protocol,omitempty"`

	// Insecure disables TLS on the OTLP connection (development only).
	Insecure bool `yaml:"insecure,omitempty"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint, e.g. ":9090". Empty disables the endpoint.
	// Environment: OPENWORKFLOW_METRICS_ADDR
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Driver:    DriverSQLite,
			DSN:       "openworkflow.db",
			Schema:    "openworkflow",
			Namespace: "default",
			WAL:       true,
		},
		Worker: WorkerConfig{
			Concurrency: 10,
			Lease:       "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Protocol: ProtocolStdout,
		},
	}
}

// Load reads configuration from the given YAML file, fills gaps with
// defaults, applies environment overrides, and validates the result.
// An empty path loads defaults plus environment only; a missing file at
// an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &owerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &owerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Discover returns the config path to load: the explicit path when given,
// otherwise DefaultFileName if it exists in the working directory,
// otherwise empty (defaults + environment).
func Discover(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	return ""
}

// applyDefaults fills zero values so minimal files work without
// spelling out every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Backend.Driver == "" {
		c.Backend.Driver = defaults.Backend.Driver
	}
	if c.Backend.DSN == "" && c.Backend.Driver == DriverSQLite {
		c.Backend.DSN = defaults.Backend.DSN
	}
	if c.Backend.Schema == "" {
		c.Backend.Schema = defaults.Backend.Schema
	}
	if c.Backend.Namespace == "" {
		c.Backend.Namespace = defaults.Backend.Namespace
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = defaults.Worker.Concurrency
	}
	if c.Worker.Lease == "" {
		c.Worker.Lease = defaults.Worker.Lease
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = defaults.Telemetry.Protocol
	}
}

// loadFromEnv applies OPENWORKFLOW_* environment overrides. Environment
// wins over file values.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("OPENWORKFLOW_BACKEND_DRIVER"); val != "" {
		c.Backend.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("OPENWORKFLOW_BACKEND_DSN"); val != "" {
		c.Backend.DSN = val
	}
	if val := os.Getenv("OPENWORKFLOW_BACKEND_SCHEMA"); val != "" {
		c.Backend.Schema = val
	}
	if val := os.Getenv("OPENWORKFLOW_NAMESPACE"); val != "" {
		c.Backend.Namespace = val
	}
	if val := os.Getenv("OPENWORKFLOW_WORKER_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Concurrency = n
		}
	}
	if val := os.Getenv("OPENWORKFLOW_WORKER_LEASE"); val != "" {
		c.Worker.Lease = val
	}
	if val := os.Getenv("OPENWORKFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("OPENWORKFLOW_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("OPENWORKFLOW_TELEMETRY_ENDPOINT"); val != "" {
		c.Telemetry.Endpoint = val
		c.Telemetry.Enabled = true
	}
	if val := os.Getenv("OPENWORKFLOW_METRICS_ADDR"); val != "" {
		c.Telemetry.MetricsAddr = val
	}
}

// Validate checks the configuration for contradictions. It returns the
// first problem found as a typed error the CLI can render with a
// suggestion.
func (c *Config) Validate() error {
	switch c.Backend.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return &owerrors.ValidationError{
			Field:      "backend.driver",
			Message:    fmt.Sprintf("unknown driver %q", c.Backend.Driver),
			Suggestion: "use one of: postgres, sqlite, memory",
		}
	}

	if c.Backend.Driver != DriverMemory && c.Backend.DSN == "" {
		return &owerrors.ValidationError{
			Field:      "backend.dsn",
			Message:    fmt.Sprintf("a DSN is required for the %s driver", c.Backend.Driver),
			Suggestion: "set backend.dsn in openworkflow.yaml or OPENWORKFLOW_BACKEND_DSN",
		}
	}

	if c.Worker.Concurrency < 1 {
		return &owerrors.ValidationError{
			Field:   "worker.concurrency",
			Message: fmt.Sprintf("concurrency must be at least 1, got %d", c.Worker.Concurrency),
		}
	}

	if _, err := c.WorkerLease(); err != nil {
		return err
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &owerrors.ValidationError{
			Field:      "log.level",
			Message:    fmt.Sprintf("unknown level %q", c.Log.Level),
			Suggestion: "use one of: trace, debug, info, warn, error",
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return &owerrors.ValidationError{
			Field:      "log.format",
			Message:    fmt.Sprintf("unknown format %q", c.Log.Format),
			Suggestion: "use text or json",
		}
	}

	switch c.Telemetry.Protocol {
	case ProtocolGRPC, ProtocolHTTP, ProtocolStdout:
	default:
		return &owerrors.ValidationError{
			Field:      "telemetry.protocol",
			Message:    fmt.Sprintf("unknown protocol %q", c.Telemetry.Protocol),
			Suggestion: "use one of: grpc, http, stdout",
		}
	}

	if c.Telemetry.Protocol != ProtocolStdout && c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &owerrors.ValidationError{
			Field:      "telemetry.endpoint",
			Message:    fmt.Sprintf("an endpoint is required for the %s protocol", c.Telemetry.Protocol),
			Suggestion: "set telemetry.endpoint (e.g. localhost:4317) or switch protocol to stdout",
		}
	}

	return nil
}

// WorkerLease parses Worker.Lease with the engine's duration grammar.
func (c *Config) WorkerLease() (time.Duration, error) {
	d, err := duration.Parse(c.Worker.Lease)
	if err != nil {
		return 0, &owerrors.ValidationError{
			Field:      "worker.lease",
			Message:    fmt.Sprintf("invalid lease %q: %v", c.Worker.Lease, err),
			Suggestion: `use the duration grammar, e.g. "30s" or "2 minutes"`,
		}
	}
	if d < time.Second {
		return 0, &owerrors.ValidationError{
			Field:   "worker.lease",
			Message: fmt.Sprintf("lease %s is shorter than the 1s minimum", c.Worker.Lease),
		}
	}
	return d, nil
}
