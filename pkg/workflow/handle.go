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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// Result polling defaults.
const (
	DefaultResultPollInterval = time.Second
	DefaultResultWaitTimeout  = 5 * time.Minute
)

// RunHandle refers to an enqueued workflow run.
type RunHandle struct {
	store    backend.Backend
	workflow string
	id       string
}

// NewRunHandle builds a handle for an existing run, for callers that
// persisted the id rather than keeping the handle from RunWorkflow.
func NewRunHandle(store backend.Backend, workflow, runID string) *RunHandle {
	return &RunHandle{store: store, workflow: workflow, id: runID}
}

// ID returns the run's identifier.
func (h *RunHandle) ID() string {
	return h.id
}

// RunFailedError is returned by Result when the run reached terminal
// failure. The message embeds the stored error blob verbatim so callers
// see name, message, and stack as recorded.
type RunFailedError struct {
	// Workflow is the workflow name.
	Workflow string

	// RunID identifies the failed run.
	RunID string

	// Envelope is the stored failure, when present.
	Envelope *backend.ErrorEnvelope
}

// Error implements the error interface.
func (e *RunFailedError) Error() string {
	blob := "null"
	if e.Envelope != nil {
		blob = e.Envelope.JSON()
	}
	return fmt.Sprintf("workflow %s run %s failed: %s", e.Workflow, e.RunID, blob)
}

// ResultOption adjusts how Result waits.
type ResultOption func(*resultOptions)

type resultOptions struct {
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// WithPollInterval overrides how often Result re-reads the run.
func WithPollInterval(d time.Duration) ResultOption {
	return func(o *resultOptions) { o.pollInterval = d }
}

// WithWaitTimeout overrides how long Result waits before giving up.
// The timeout aborts only the wait; the run itself is untouched.
func WithWaitTimeout(d time.Duration) ResultOption {
	return func(o *resultOptions) { o.waitTimeout = d }
}

// Result polls the run until it reaches a terminal state and returns its
// output. Failure surfaces as *RunFailedError, cancellation as
// *errors.CanceledError. After the wait timeout (default five minutes)
// Result returns *errors.TimeoutError without touching the run.
func (h *RunHandle) Result(ctx context.Context, opts ...ResultOption) (json.RawMessage, error) {
	options := resultOptions{
		pollInterval: DefaultResultPollInterval,
		waitTimeout:  DefaultResultWaitTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	ticker := time.NewTicker(options.pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(options.waitTimeout)
	defer timeout.Stop()

	for {
		run, err := h.store.GetWorkflowRun(ctx, h.id)
		if err != nil {
			return nil, err
		}

		switch run.Status {
		case backend.StatusCompleted:
			return run.Output, nil
		case backend.StatusFailed:
			return nil, &RunFailedError{Workflow: h.workflow, RunID: h.id, Envelope: run.Error}
		case backend.StatusCanceled:
			return nil, &errors.CanceledError{Workflow: h.workflow, RunID: h.id}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, &errors.TimeoutError{
				Operation: "workflow run result",
				Duration:  options.waitTimeout,
			}
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of the run. Pending, running, and sleeping
// runs flip to canceled; a lease holder discovers the loss on its next
// guarded write. Canceling an already-canceled run is a no-op; a completed
// or failed run returns *errors.TerminalStateError.
func (h *RunHandle) Cancel(ctx context.Context) error {
	_, err := h.store.CancelWorkflowRun(ctx, h.id)
	return err
}
