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

package workflow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/openworkflow/internal/log"
	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// Config configures a Client.
type Config struct {
	// Backend is the store every operation goes through. Required.
	Backend backend.Backend

	// Logger is used by the client and by workers built from it.
	// nil falls back to slog.Default().
	Logger *slog.Logger
}

// Client is the front door of the engine: it owns a process-local registry
// of workflow definitions and enqueues runs against the backend. Clients
// are safe for concurrent use.
type Client struct {
	store    backend.Backend
	logger   *slog.Logger
	registry *Registry
}

// NewClient builds a client over the given backend.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Backend == nil {
		return nil, &errors.ValidationError{Field: "backend", Message: "a backend is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:    cfg.Backend,
		logger:   logger,
		registry: NewRegistry(),
	}, nil
}

// Registry exposes the client's workflow registry, primarily for workers.
func (c *Client) Registry() *Registry {
	return c.registry
}

// ImplementWorkflow binds a declared spec to its function and registers
// the pair. Registering the same (name, version) twice fails.
func (c *Client) ImplementWorkflow(spec *Spec, fn WorkflowFunc) (*Definition, error) {
	if spec == nil {
		return nil, &errors.ValidationError{Field: "spec", Message: "spec is required"}
	}
	def := &Definition{spec: spec, fn: fn, client: c}
	if err := c.registry.Register(def); err != nil {
		return nil, err
	}
	c.logger.Debug("workflow registered",
		log.String(log.WorkflowKey, spec.Name),
		log.String("version", spec.Version))
	return def, nil
}

// DefineWorkflow declares and implements a workflow in one call.
func (c *Client) DefineWorkflow(cfg WorkflowConfig, fn WorkflowFunc) (*Definition, error) {
	return c.ImplementWorkflow(DeclareWorkflow(cfg), fn)
}

// RunOption adjusts how a run is enqueued.
type RunOption func(*runOptions)

type runOptions struct {
	deadlineAt     *time.Time
	availableAt    *time.Time
	idempotencyKey *string
}

// WithDeadline sets a hard wall-clock limit. Once passed, the next claim
// sweep fails the run with a deadline-exceeded error.
func WithDeadline(t time.Time) RunOption {
	return func(o *runOptions) { o.deadlineAt = &t }
}

// WithAvailableAt delays the first claim until t.
func WithAvailableAt(t time.Time) RunOption {
	return func(o *runOptions) { o.availableAt = &t }
}

// WithIdempotencyKey stores a caller-supplied key with the run. The key is
// indexed for future creation de-duplication; the engine itself does not
// consult it.
func WithIdempotencyKey(key string) RunOption {
	return func(o *runOptions) { o.idempotencyKey = &key }
}

// RunWorkflow validates input against the spec's schema and enqueues a
// run. The returned handle can wait for or cancel the run. Enqueuing does
// not require the workflow to be implemented in this process; any worker
// sharing the backend may pick it up.
func (c *Client) RunWorkflow(ctx context.Context, spec *Spec, input any, opts ...RunOption) (*RunHandle, error) {
	if spec == nil || spec.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}

	var options runOptions
	for _, opt := range opts {
		opt(&options)
	}

	value := input
	if spec.Schema != nil {
		normalized, issues, err := spec.Schema.Validate(ctx, input)
		if err != nil {
			return nil, errors.Wrapf(err, "validating input for workflow %q", spec.Name)
		}
		if len(issues) > 0 {
			return nil, &errors.ValidationError{
				Field:   "input",
				Message: joinIssues(issues),
			}
		}
		value = normalized
	}

	raw, err := marshalJSON(value)
	if err != nil {
		return nil, err
	}

	params := backend.CreateWorkflowRunParams{
		WorkflowName:   spec.Name,
		Input:          raw,
		AvailableAt:    options.availableAt,
		DeadlineAt:     options.deadlineAt,
		IdempotencyKey: options.idempotencyKey,
	}
	if spec.Version != "" {
		version := spec.Version
		params.Version = &version
	}

	created, err := c.store.CreateWorkflowRun(ctx, params)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("run enqueued",
		log.String(log.RunIDKey, created.ID),
		log.String(log.WorkflowKey, created.WorkflowName))

	return &RunHandle{store: c.store, workflow: created.WorkflowName, id: created.ID}, nil
}

// Run enqueues a run of this definition. See Client.RunWorkflow.
func (d *Definition) Run(ctx context.Context, input any, opts ...RunOption) (*RunHandle, error) {
	return d.client.RunWorkflow(ctx, d.spec, input, opts...)
}

// joinIssues flattens schema issues into one message.
func joinIssues(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.Message
	}
	return strings.Join(parts, "; ")
}
