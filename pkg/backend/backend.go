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

// Package backend defines the storage contract of the durable workflow
// engine. A backend is the sole source of truth: every scheduling decision,
// lease, retry, and step memo lives in its rows, and workers coordinate
// exclusively through it.
//
// # Interface Hierarchy
//
// The package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): workflow run lifecycle and claim/lease transitions
//   - RunLister (listing): cursor-paginated run queries
//   - StepStore (core, required): step attempt lifecycle
//   - Migrator: schema migration on startup
//
// The Backend interface composes all of these plus io.Closer. The reference
// implementations (postgres, sqlite, memory) satisfy the full interface.
//
// # Ownership
//
// Mutating operations that carry a workerID are guarded: the underlying
// write succeeds only while the caller still owns the run's lease
// (status running, matching worker id). A write whose guard matches no row
// returns *errors.GuardMismatchError; callers must treat it as lease-lost
// and abandon the execution pass. No in-process lock backs this up: the
// store's WHERE clause is the entire ownership protocol.
//
// Every backend instance is scoped to a single namespace fixed at
// construction; rows in other namespaces are invisible to it.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tombee/openworkflow/pkg/errors"
)

// DefaultNamespace is used when a backend is constructed without an
// explicit namespace.
const DefaultNamespace = "default"

// DefaultSchema is the SQL schema (PostgreSQL) or table prefix (SQLite)
// that holds the engine's tables when none is configured.
const DefaultSchema = "openworkflow"

// RunStore is the core interface for workflow run state transitions.
// All transitions are atomic on the store side; their preconditions are
// expressed as SQL guards, never as in-process checks.
type RunStore interface {
	// CreateWorkflowRun inserts a new run with status pending and zero
	// attempts. AvailableAt defaults to the store's current time.
	CreateWorkflowRun(ctx context.Context, params CreateWorkflowRunParams) (*WorkflowRun, error)

	// GetWorkflowRun retrieves a run by id within the backend's namespace.
	// Returns *errors.NotFoundError if no such run exists.
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)

	// ClaimWorkflowRun atomically dequeues at most one eligible run for the
	// given worker. In order it (1) fails every non-terminal run whose
	// deadline has passed, (2) selects one claimable run (pending first,
	// then by available_at and created_at), skipping rows locked by
	// concurrent claimants, and (3) marks it running under workerID with
	// available_at pushed to now+lease and attempts incremented.
	//
	// Returns (nil, nil) when no run is eligible.
	ClaimWorkflowRun(ctx context.Context, workerID string, lease time.Duration) (*WorkflowRun, error)

	// ExtendWorkflowRunLease pushes available_at to now+lease. Guarded:
	// the run must still be running and owned by workerID.
	ExtendWorkflowRunLease(ctx context.Context, runID, workerID string, lease time.Duration) (*WorkflowRun, error)

	// SleepWorkflowRun parks a running run until availableAt. Guarded.
	// The run becomes claimable again once the wake time passes.
	SleepWorkflowRun(ctx context.Context, runID, workerID string, availableAt time.Time) (*WorkflowRun, error)

	// CompleteWorkflowRun records the terminal success of a run together
	// with its output. Guarded.
	CompleteWorkflowRun(ctx context.Context, runID, workerID string, output json.RawMessage) (*WorkflowRun, error)

	// FailWorkflowRun records the terminal failure of a run. The engine has
	// already ruled out a retry when it calls this. Guarded.
	FailWorkflowRun(ctx context.Context, runID, workerID string, runErr *ErrorEnvelope) (*WorkflowRun, error)

	// RescheduleWorkflowRun returns a run to pending after a failed step
	// attempt so a later claim retries it: available_at=availableAt,
	// worker and started_at cleared, the error recorded. Guarded.
	RescheduleWorkflowRun(ctx context.Context, runID, workerID string, availableAt time.Time, runErr *ErrorEnvelope) (*WorkflowRun, error)

	// CancelWorkflowRun cancels a pending, running, or sleeping run without
	// coordinating with any lease holder; the holder discovers the loss on
	// its next guarded write. Canceling an already-canceled run is a no-op;
	// canceling a completed or failed run returns *errors.TerminalStateError.
	CancelWorkflowRun(ctx context.Context, runID string) (*WorkflowRun, error)
}

// RunLister is the interface for cursor-paginated run listing.
type RunLister interface {
	// ListWorkflowRuns pages through the namespace's runs ordered by
	// (created_at, id). See Pagination for cursor semantics.
	ListWorkflowRuns(ctx context.Context, page Pagination) (*Page[WorkflowRun], error)
}

// StepStore is the interface for step attempt persistence. Step attempts
// are append-only from the engine's perspective: one running insert, one
// terminal update, both guarded against the parent run's lease.
type StepStore interface {
	// CreateStepAttempt inserts a running attempt. Guarded against the
	// parent run: it must be running and owned by params.WorkerID.
	CreateStepAttempt(ctx context.Context, params CreateStepAttemptParams) (*StepAttempt, error)

	// GetStepAttempt retrieves one attempt of the given run.
	GetStepAttempt(ctx context.Context, runID, attemptID string) (*StepAttempt, error)

	// ListStepAttempts pages through a run's attempts in (created_at, id)
	// ascending order, the order the workflow function reached them.
	ListStepAttempts(ctx context.Context, runID string, page Pagination) (*Page[StepAttempt], error)

	// CompleteStepAttempt records an attempt's success and output. The
	// guard is joined against the parent run, which must still be running
	// and owned by workerID.
	CompleteStepAttempt(ctx context.Context, runID, attemptID, workerID string, output json.RawMessage) (*StepAttempt, error)

	// FailStepAttempt records an attempt's failure. Same joined guard.
	FailStepAttempt(ctx context.Context, runID, attemptID, workerID string, stepErr *ErrorEnvelope) (*StepAttempt, error)
}

// Migrator applies schema migrations. Migrate is idempotent and must be
// called before the first operation on a fresh store.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Backend is the full storage contract. The reference implementations
// (postgres, sqlite, memory) all satisfy it.
type Backend interface {
	RunStore
	RunLister
	StepStore
	Migrator
	io.Closer
}

// CreateWorkflowRunParams carries the fields of a new workflow run.
type CreateWorkflowRunParams struct {
	// WorkflowName selects the user function in the worker registry.
	WorkflowName string

	// Version pins a specific registered version; nil selects the
	// unversioned registration.
	Version *string

	// IdempotencyKey is stored and indexed for future creation de-dup.
	// The engine itself does not consult it.
	IdempotencyKey *string

	// Config, Context, and Input are opaque JSON blobs owned by the caller.
	Config  json.RawMessage
	Context json.RawMessage
	Input   json.RawMessage

	// AvailableAt delays the first claim; nil means immediately claimable.
	AvailableAt *time.Time

	// DeadlineAt is a hard wall-clock limit. Once passed, the next claim
	// sweep fails the run with a deadline-exceeded error.
	DeadlineAt *time.Time
}

// Validate checks required fields before hitting the store.
func (p *CreateWorkflowRunParams) Validate() error {
	if p.WorkflowName == "" {
		return &errors.ValidationError{
			Field:   "workflowName",
			Message: "workflow name is required",
		}
	}
	if p.Version != nil && *p.Version == "" {
		return &errors.ValidationError{
			Field:      "version",
			Message:    "version must be non-empty when set",
			Suggestion: "omit the version to target the unversioned registration",
		}
	}
	return nil
}

// CreateStepAttemptParams carries the fields of a new step attempt.
type CreateStepAttemptParams struct {
	// WorkflowRunID is the parent run; the insert is guarded against it.
	WorkflowRunID string

	// WorkerID is the lease holder performing the insert.
	WorkerID string

	// StepName is the user-declared logical name, unique among the run's
	// completed attempts.
	StepName string

	// Kind distinguishes function steps from sleep steps.
	Kind StepKind

	// Config and Context are opaque JSON blobs. Sleep attempts store their
	// wake time in Context (see SleepContext).
	Config  json.RawMessage
	Context json.RawMessage
}

// Validate checks required fields before hitting the store.
func (p *CreateStepAttemptParams) Validate() error {
	switch {
	case p.WorkflowRunID == "":
		return &errors.ValidationError{Field: "workflowRunId", Message: "workflow run id is required"}
	case p.WorkerID == "":
		return &errors.ValidationError{Field: "workerId", Message: "worker id is required"}
	case p.StepName == "":
		return &errors.ValidationError{Field: "stepName", Message: "step name is required"}
	case p.Kind != StepKindFunction && p.Kind != StepKindSleep:
		return &errors.ValidationError{
			Field:   "kind",
			Message: "kind must be \"function\" or \"sleep\"",
		}
	}
	return nil
}
