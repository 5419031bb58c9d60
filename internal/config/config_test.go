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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	owerrors "github.com/tombee/openworkflow/pkg/errors"
)

// writeConfig writes a YAML document to a temp file and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openworkflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Driver != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", cfg.Backend.Driver)
	}
	if cfg.Backend.Namespace != "default" {
		t.Errorf("namespace = %q, want default", cfg.Backend.Namespace)
	}
	if cfg.Worker.Concurrency != 10 {
		t.Errorf("concurrency = %d, want 10", cfg.Worker.Concurrency)
	}
	lease, err := cfg.WorkerLease()
	if err != nil {
		t.Fatalf("WorkerLease: %v", err)
	}
	if lease != 30*time.Second {
		t.Errorf("lease = %v, want 30s", lease)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  driver: postgres
  dsn: postgres://localhost:5432/flows?sslmode=disable
  schema: flows
  namespace: staging
worker:
  concurrency: 4
  lease: 2 minutes
log:
  level: debug
  format: json
telemetry:
  enabled: true
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  metrics_addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Driver != DriverPostgres {
		t.Errorf("driver = %q, want postgres", cfg.Backend.Driver)
	}
	if cfg.Backend.Schema != "flows" {
		t.Errorf("schema = %q, want flows", cfg.Backend.Schema)
	}
	if cfg.Backend.Namespace != "staging" {
		t.Errorf("namespace = %q, want staging", cfg.Backend.Namespace)
	}
	lease, err := cfg.WorkerLease()
	if err != nil {
		t.Fatalf("WorkerLease: %v", err)
	}
	if lease != 2*time.Minute {
		t.Errorf("lease = %v, want 2m", lease)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Protocol != ProtocolGRPC {
		t.Errorf("telemetry = %+v, want enabled grpc", cfg.Telemetry)
	}
	if cfg.Telemetry.MetricsAddr != ":9090" {
		t.Errorf("metrics_addr = %q, want :9090", cfg.Telemetry.MetricsAddr)
	}
}

func TestLoadMinimalFileGetsDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  driver: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 10 {
		t.Errorf("concurrency = %d, want default 10", cfg.Worker.Concurrency)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v, want info/text defaults", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("minimal config should validate: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
	var cfgErr *owerrors.ConfigError
	if !owerrors.As(err, &cfgErr) {
		t.Fatalf("error = %T, want *ConfigError", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
backend:
  driver: sqlite
  dsn: file.db
log:
  level: info
`)
	t.Setenv("OPENWORKFLOW_BACKEND_DSN", "other.db")
	t.Setenv("OPENWORKFLOW_NAMESPACE", "prod")
	t.Setenv("OPENWORKFLOW_LOG_LEVEL", "ERROR")
	t.Setenv("OPENWORKFLOW_WORKER_CONCURRENCY", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.DSN != "other.db" {
		t.Errorf("dsn = %q, want env override other.db", cfg.Backend.DSN)
	}
	if cfg.Backend.Namespace != "prod" {
		t.Errorf("namespace = %q, want prod", cfg.Backend.Namespace)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("level = %q, want lowered error", cfg.Log.Level)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", cfg.Worker.Concurrency)
	}
}

func TestEnvTelemetryEndpointEnables(t *testing.T) {
	t.Setenv("OPENWORKFLOW_TELEMETRY_ENDPOINT", "collector:4317")
	t.Setenv("OPENWORKFLOW_BACKEND_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry should be enabled when endpoint comes from the environment")
	}
	if cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("endpoint = %q", cfg.Telemetry.Endpoint)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Backend.Driver = "mysql" },
			wantErr: "backend.driver",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Backend.Driver = DriverPostgres
				c.Backend.DSN = ""
			},
			wantErr: "backend.dsn",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Worker.Concurrency = -1 },
			wantErr: "worker.concurrency",
		},
		{
			name:    "garbage lease",
			mutate:  func(c *Config) { c.Worker.Lease = "soon" },
			wantErr: "worker.lease",
		},
		{
			name:    "sub-second lease",
			mutate:  func(c *Config) { c.Worker.Lease = "250ms" },
			wantErr: "worker.lease",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "unknown protocol",
			mutate:  func(c *Config) { c.Telemetry.Protocol = "udp" },
			wantErr: "telemetry.protocol",
		},
		{
			name: "grpc without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = ProtocolGRPC
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var valErr *owerrors.ValidationError
			if !owerrors.As(err, &valErr) {
				t.Fatalf("error = %T, want *ValidationError", err)
			}
			if valErr.Field != tt.wantErr {
				t.Errorf("field = %q, want %q", valErr.Field, tt.wantErr)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	if got := Discover("given.yaml"); got != "given.yaml" {
		t.Errorf("Discover(explicit) = %q", got)
	}

	dir := t.TempDir()
	t.Chdir(dir)
	if got := Discover(""); got != "" {
		t.Errorf("Discover in empty dir = %q, want empty", got)
	}

	if err := os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := Discover(""); got != DefaultFileName {
		t.Errorf("Discover = %q, want %q", got, DefaultFileName)
	}
}
