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

// Package memory provides an in-memory backend implementation. It honors
// the full storage contract (claim ordering, deadline sweep, guarded
// writes, cursor pagination) and is intended for tests and examples, not
// for durable production use.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// Compile-time interface assertions.
// Ensures Backend implements all segregated interfaces.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.StepStore = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// Config holds construction options.
type Config struct {
	// Namespace scopes every row; defaults to backend.DefaultNamespace.
	Namespace string
}

// Backend is an in-memory storage backend. A single mutex serializes all
// operations, which makes each transition atomic the same way a SQL
// statement is.
type Backend struct {
	mu        sync.Mutex
	namespace string
	runs      map[string]*backend.WorkflowRun
	attempts  map[string]*backend.StepAttempt

	// now is swapped out by tests that need a deterministic clock.
	now func() time.Time
}

// New creates a new in-memory backend.
func New(cfg Config) *Backend {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = backend.DefaultNamespace
	}
	return &Backend{
		namespace: namespace,
		runs:      make(map[string]*backend.WorkflowRun),
		attempts:  make(map[string]*backend.StepAttempt),
		now:       func() time.Time { return time.Now().Truncate(time.Millisecond) },
	}
}

// Migrate is a no-op; the memory backend has no schema.
func (b *Backend) Migrate(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

// CreateWorkflowRun inserts a new pending run.
func (b *Backend) CreateWorkflowRun(ctx context.Context, params backend.CreateWorkflowRunParams) (*backend.WorkflowRun, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	availableAt := now
	if params.AvailableAt != nil {
		availableAt = params.AvailableAt.Truncate(time.Millisecond)
	}
	var deadlineAt *time.Time
	if params.DeadlineAt != nil {
		d := params.DeadlineAt.Truncate(time.Millisecond)
		deadlineAt = &d
	}

	run := &backend.WorkflowRun{
		NamespaceID:    b.namespace,
		ID:             uuid.NewString(),
		WorkflowName:   params.WorkflowName,
		Version:        cloneStringPtr(params.Version),
		Status:         backend.StatusPending,
		IdempotencyKey: cloneStringPtr(params.IdempotencyKey),
		Config:         cloneJSON(params.Config),
		Context:        cloneJSON(params.Context),
		Input:          cloneJSON(params.Input),
		AvailableAt:    &availableAt,
		DeadlineAt:     deadlineAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.runs[run.ID] = run
	return cloneRun(run), nil
}

// GetWorkflowRun retrieves a run by id.
func (b *Backend) GetWorkflowRun(ctx context.Context, id string) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	return cloneRun(run), nil
}

// ListWorkflowRuns pages through runs ordered by (created_at, id).
func (b *Backend) ListWorkflowRuns(ctx context.Context, page backend.Pagination) (*backend.Page[backend.WorkflowRun], error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]*backend.WorkflowRun, 0, len(b.runs))
	for _, run := range b.runs {
		ordered = append(ordered, run)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return rowLess(ordered[i].CreatedAt, ordered[i].ID, ordered[j].CreatedAt, ordered[j].ID)
	})

	rows := windowRows(ordered, page, func(r *backend.WorkflowRun) (time.Time, string) {
		return r.CreatedAt, r.ID
	})

	items := make([]backend.WorkflowRun, len(rows))
	for i, run := range rows {
		items[i] = *cloneRun(run)
	}
	return backend.BuildPage(items, page, func(r backend.WorkflowRun) backend.Cursor {
		return backend.NewCursor(r.CreatedAt, r.ID)
	}), nil
}

// ClaimWorkflowRun sweeps expired deadlines, then claims at most one
// eligible run for workerID.
func (b *Backend) ClaimWorkflowRun(ctx context.Context, workerID string, lease time.Duration) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	for _, run := range b.runs {
		if run.Status.Claimable() && run.DeadlineAt != nil && !run.DeadlineAt.After(now) {
			run.Status = backend.StatusFailed
			run.Error = backend.DeadlineExceededEnvelope()
			run.WorkerID = nil
			run.AvailableAt = nil
			run.FinishedAt = &now
			run.UpdatedAt = now
		}
	}

	var candidates []*backend.WorkflowRun
	for _, run := range b.runs {
		if !run.Status.Claimable() {
			continue
		}
		if run.AvailableAt == nil || run.AvailableAt.After(now) {
			continue
		}
		if run.DeadlineAt != nil && !run.DeadlineAt.After(now) {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, z := candidates[i], candidates[j]
		aPending := a.Status == backend.StatusPending
		zPending := z.Status == backend.StatusPending
		if aPending != zPending {
			return aPending
		}
		if !a.AvailableAt.Equal(*z.AvailableAt) {
			return a.AvailableAt.Before(*z.AvailableAt)
		}
		return rowLess(a.CreatedAt, a.ID, z.CreatedAt, z.ID)
	})

	run := candidates[0]
	leaseUntil := now.Add(lease)
	run.Status = backend.StatusRunning
	run.WorkerID = &workerID
	run.AvailableAt = &leaseUntil
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.Attempts++
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// ExtendWorkflowRunLease pushes available_at for a run the caller owns.
func (b *Backend) ExtendWorkflowRunLease(ctx context.Context, runID, workerID string, lease time.Duration) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok || !ownedBy(run, workerID) {
		return nil, &errors.GuardMismatchError{Op: "extend workflow run lease", RunID: runID, WorkerID: workerID}
	}

	now := b.now()
	leaseUntil := now.Add(lease)
	run.AvailableAt = &leaseUntil
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// SleepWorkflowRun parks an owned run until availableAt.
func (b *Backend) SleepWorkflowRun(ctx context.Context, runID, workerID string, availableAt time.Time) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok || run.Status.Terminal() || !ownedBy(run, workerID) {
		return nil, &errors.GuardMismatchError{Op: "sleep workflow run", RunID: runID, WorkerID: workerID}
	}

	now := b.now()
	wakeAt := availableAt.Truncate(time.Millisecond)
	run.Status = backend.StatusSleeping
	run.AvailableAt = &wakeAt
	run.WorkerID = nil
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// CompleteWorkflowRun records terminal success for an owned run.
func (b *Backend) CompleteWorkflowRun(ctx context.Context, runID, workerID string, output json.RawMessage) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok || !ownedBy(run, workerID) {
		return nil, &errors.GuardMismatchError{Op: "complete workflow run", RunID: runID, WorkerID: workerID}
	}

	now := b.now()
	run.Status = backend.StatusCompleted
	run.Output = cloneJSON(output)
	run.WorkerID = nil
	run.AvailableAt = nil
	run.FinishedAt = &now
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// FailWorkflowRun records terminal failure for an owned run.
func (b *Backend) FailWorkflowRun(ctx context.Context, runID, workerID string, runErr *backend.ErrorEnvelope) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok || !ownedBy(run, workerID) {
		return nil, &errors.GuardMismatchError{Op: "fail workflow run", RunID: runID, WorkerID: workerID}
	}

	now := b.now()
	run.Status = backend.StatusFailed
	run.Error = cloneEnvelope(runErr)
	run.WorkerID = nil
	run.AvailableAt = nil
	run.FinishedAt = &now
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// RescheduleWorkflowRun returns an owned run to pending for a later retry.
func (b *Backend) RescheduleWorkflowRun(ctx context.Context, runID, workerID string, availableAt time.Time, runErr *backend.ErrorEnvelope) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok || !ownedBy(run, workerID) {
		return nil, &errors.GuardMismatchError{Op: "reschedule workflow run", RunID: runID, WorkerID: workerID}
	}

	now := b.now()
	retryAt := availableAt.Truncate(time.Millisecond)
	run.Status = backend.StatusPending
	run.AvailableAt = &retryAt
	run.WorkerID = nil
	run.StartedAt = nil
	run.Error = cloneEnvelope(runErr)
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// CancelWorkflowRun cancels a live run without consulting any lease holder.
func (b *Backend) CancelWorkflowRun(ctx context.Context, runID string) (*backend.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: runID}
	}

	switch run.Status {
	case backend.StatusCanceled:
		return cloneRun(run), nil
	case backend.StatusCompleted, backend.StatusFailed:
		return nil, &errors.TerminalStateError{RunID: runID, Status: string(run.Status)}
	}

	now := b.now()
	run.Status = backend.StatusCanceled
	run.WorkerID = nil
	run.AvailableAt = nil
	run.FinishedAt = &now
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// CreateStepAttempt inserts a running attempt under the parent run's lease.
func (b *Backend) CreateStepAttempt(ctx context.Context, params backend.CreateStepAttemptParams) (*backend.StepAttempt, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[params.WorkflowRunID]
	if !ok || !ownedBy(run, params.WorkerID) {
		return nil, &errors.GuardMismatchError{Op: "create step attempt", RunID: params.WorkflowRunID, WorkerID: params.WorkerID}
	}

	now := b.now()
	attempt := &backend.StepAttempt{
		NamespaceID:   b.namespace,
		ID:            uuid.NewString(),
		WorkflowRunID: params.WorkflowRunID,
		StepName:      params.StepName,
		Kind:          params.Kind,
		Status:        backend.StepStatusRunning,
		Config:        cloneJSON(params.Config),
		Context:       cloneJSON(params.Context),
		StartedAt:     &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.attempts[attempt.ID] = attempt
	return cloneAttempt(attempt), nil
}

// GetStepAttempt retrieves one attempt of a run.
func (b *Backend) GetStepAttempt(ctx context.Context, runID, attemptID string) (*backend.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt, ok := b.attempts[attemptID]
	if !ok || attempt.WorkflowRunID != runID {
		return nil, &errors.NotFoundError{Resource: "step attempt", ID: attemptID}
	}
	return cloneAttempt(attempt), nil
}

// ListStepAttempts pages through a run's attempts in creation order.
func (b *Backend) ListStepAttempts(ctx context.Context, runID string, page backend.Pagination) (*backend.Page[backend.StepAttempt], error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]*backend.StepAttempt, 0)
	for _, attempt := range b.attempts {
		if attempt.WorkflowRunID == runID {
			ordered = append(ordered, attempt)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return rowLess(ordered[i].CreatedAt, ordered[i].ID, ordered[j].CreatedAt, ordered[j].ID)
	})

	rows := windowRows(ordered, page, func(a *backend.StepAttempt) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	items := make([]backend.StepAttempt, len(rows))
	for i, attempt := range rows {
		items[i] = *cloneAttempt(attempt)
	}
	return backend.BuildPage(items, page, func(a backend.StepAttempt) backend.Cursor {
		return backend.NewCursor(a.CreatedAt, a.ID)
	}), nil
}

// CompleteStepAttempt records an attempt's success under the joined guard.
func (b *Backend) CompleteStepAttempt(ctx context.Context, runID, attemptID, workerID string, output json.RawMessage) (*backend.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt, err := b.guardedAttempt(runID, attemptID, workerID, "complete step attempt")
	if err != nil {
		return nil, err
	}

	now := b.now()
	attempt.Status = backend.StepStatusCompleted
	attempt.Output = cloneJSON(output)
	attempt.FinishedAt = &now
	attempt.UpdatedAt = now
	return cloneAttempt(attempt), nil
}

// FailStepAttempt records an attempt's failure under the joined guard.
func (b *Backend) FailStepAttempt(ctx context.Context, runID, attemptID, workerID string, stepErr *backend.ErrorEnvelope) (*backend.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt, err := b.guardedAttempt(runID, attemptID, workerID, "fail step attempt")
	if err != nil {
		return nil, err
	}

	now := b.now()
	attempt.Status = backend.StepStatusFailed
	attempt.Error = cloneEnvelope(stepErr)
	attempt.FinishedAt = &now
	attempt.UpdatedAt = now
	return cloneAttempt(attempt), nil
}

// guardedAttempt resolves a running attempt whose parent run is still owned
// by workerID. Callers hold b.mu.
func (b *Backend) guardedAttempt(runID, attemptID, workerID, op string) (*backend.StepAttempt, error) {
	attempt, ok := b.attempts[attemptID]
	if !ok || attempt.WorkflowRunID != runID || attempt.Status != backend.StepStatusRunning {
		return nil, &errors.GuardMismatchError{Op: op, RunID: runID, WorkerID: workerID}
	}
	run, ok := b.runs[runID]
	if !ok || !ownedBy(run, workerID) {
		return nil, &errors.GuardMismatchError{Op: op, RunID: runID, WorkerID: workerID}
	}
	return attempt, nil
}

// ownedBy reports whether run is running under workerID's lease.
func ownedBy(run *backend.WorkflowRun, workerID string) bool {
	return run.Status == backend.StatusRunning && run.WorkerID != nil && *run.WorkerID == workerID
}

// rowLess orders rows by (createdAt, id) ascending.
func rowLess(aCreated time.Time, aID string, zCreated time.Time, zID string) bool {
	if !aCreated.Equal(zCreated) {
		return aCreated.Before(zCreated)
	}
	return aID < zID
}

// windowRows slices the ascending row set according to the cursor window
// and returns up to limit+1 rows in query order (descending for before).
func windowRows[T any](ordered []T, page backend.Pagination, key func(T) (time.Time, string)) []T {
	limit := page.EffectiveLimit()

	var rows []T
	switch {
	case page.Before != nil:
		for i := len(ordered) - 1; i >= 0 && len(rows) < limit+1; i-- {
			created, id := key(ordered[i])
			if rowLess(created, id, page.Before.CreatedAt, page.Before.ID) {
				rows = append(rows, ordered[i])
			}
		}
	case page.After != nil:
		for _, row := range ordered {
			if len(rows) == limit+1 {
				break
			}
			created, id := key(row)
			if rowLess(page.After.CreatedAt, page.After.ID, created, id) {
				rows = append(rows, row)
			}
		}
	default:
		for _, row := range ordered {
			if len(rows) == limit+1 {
				break
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func cloneRun(run *backend.WorkflowRun) *backend.WorkflowRun {
	clone := *run
	clone.Version = cloneStringPtr(run.Version)
	clone.IdempotencyKey = cloneStringPtr(run.IdempotencyKey)
	clone.Config = cloneJSON(run.Config)
	clone.Context = cloneJSON(run.Context)
	clone.Input = cloneJSON(run.Input)
	clone.Output = cloneJSON(run.Output)
	clone.Error = cloneEnvelope(run.Error)
	clone.ParentStepAttemptNamespaceID = cloneStringPtr(run.ParentStepAttemptNamespaceID)
	clone.ParentStepAttemptID = cloneStringPtr(run.ParentStepAttemptID)
	clone.WorkerID = cloneStringPtr(run.WorkerID)
	clone.AvailableAt = cloneTimePtr(run.AvailableAt)
	clone.DeadlineAt = cloneTimePtr(run.DeadlineAt)
	clone.StartedAt = cloneTimePtr(run.StartedAt)
	clone.FinishedAt = cloneTimePtr(run.FinishedAt)
	return &clone
}

func cloneAttempt(attempt *backend.StepAttempt) *backend.StepAttempt {
	clone := *attempt
	clone.Config = cloneJSON(attempt.Config)
	clone.Context = cloneJSON(attempt.Context)
	clone.Output = cloneJSON(attempt.Output)
	clone.Error = cloneEnvelope(attempt.Error)
	clone.ChildWorkflowRunNamespaceID = cloneStringPtr(attempt.ChildWorkflowRunNamespaceID)
	clone.ChildWorkflowRunID = cloneStringPtr(attempt.ChildWorkflowRunID)
	clone.StartedAt = cloneTimePtr(attempt.StartedAt)
	clone.FinishedAt = cloneTimePtr(attempt.FinishedAt)
	return &clone
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	clone := make(json.RawMessage, len(raw))
	copy(clone, raw)
	return clone
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

func cloneEnvelope(e *backend.ErrorEnvelope) *backend.ErrorEnvelope {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}
