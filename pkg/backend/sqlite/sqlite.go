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

// Package sqlite implements the workflow backend on an embedded SQLite
// database via modernc.org/sqlite (no cgo). It suits single-node workers
// and tests; multi-node deployments should use the postgres backend.
//
// Timestamps are stored as INTEGER Unix milliseconds and the current time
// is read in application code, so a file can move between machines without
// timezone surprises. The connection pool is capped at one connection:
// SQLite allows a single writer anyway, and the cap turns the pool into a
// queue instead of a retry loop on SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// Interface conformance checks.
var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.StepStore = (*Backend)(nil)
	_ backend.Migrator  = (*Backend)(nil)
)

// DefaultTablePrefix is prepended to every table name when Config leaves
// TablePrefix empty.
const DefaultTablePrefix = backend.DefaultSchema + "_"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds SQLite backend configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-memory
	// database that lives as long as the connection.
	Path string

	// TablePrefix namespaces the engine's tables within the file.
	// Defaults to DefaultTablePrefix.
	TablePrefix string

	// Namespace scopes every row the backend touches.
	// Defaults to backend.DefaultNamespace.
	Namespace string

	// WAL enables write-ahead logging. Recommended for any on-disk
	// database that sees concurrent readers.
	WAL bool
}

// Backend is a SQLite implementation of backend.Backend.
type Backend struct {
	db        *sql.DB
	namespace string
	prefix    string

	runsTable       string
	attemptsTable   string
	migrationsTable string

	// now is swapped in tests for deterministic scheduling.
	now func() time.Time
}

// New creates a SQLite backend. The schema is not touched; call Migrate
// before the first operation on a fresh database.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, &errors.ValidationError{
			Field:      "path",
			Message:    "database path is required",
			Suggestion: "use \":memory:\" for an ephemeral database",
		}
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if !identPattern.MatchString(prefix) {
		return nil, &errors.ValidationError{
			Field:   "tablePrefix",
			Message: fmt.Sprintf("table prefix %q is not a valid SQL identifier", prefix),
		}
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = backend.DefaultNamespace
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite serializes writers, and one connection
	// avoids SQLITE_BUSY churn between the claim loop and guarded writes.
	db.SetMaxOpenConns(1)

	if err := configurePragmas(db, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}

	return &Backend{
		db:              db,
		namespace:       namespace,
		prefix:          prefix,
		runsTable:       prefix + "workflow_runs",
		attemptsTable:   prefix + "step_attempts",
		migrationsTable: prefix + "migrations",
		now:             time.Now,
	}, nil
}

// configurePragmas sets the session pragmas the engine relies on.
func configurePragmas(db *sql.DB, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// migrationBlocks is the ordered schema history. Each block is one
// transaction; the migrations table records the high-water mark.
func migrationBlocks(prefix string) [][]string {
	runs := prefix + "workflow_runs"
	attempts := prefix + "step_attempts"
	return [][]string{
		// 1: workflow runs and the claim path.
		{
			fmt.Sprintf(`CREATE TABLE %s (
				namespace_id TEXT NOT NULL,
				id TEXT NOT NULL,
				workflow_name TEXT NOT NULL,
				version TEXT,
				status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'sleeping', 'completed', 'succeeded', 'failed', 'canceled')),
				idempotency_key TEXT,
				config TEXT,
				context TEXT,
				input TEXT,
				output TEXT,
				error TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				parent_step_attempt_namespace_id TEXT,
				parent_step_attempt_id TEXT,
				worker_id TEXT,
				available_at INTEGER,
				deadline_at INTEGER,
				started_at INTEGER,
				finished_at INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (namespace_id, id)
			)`, runs),
			fmt.Sprintf(`CREATE INDEX %[1]s_claim_idx ON %[1]s (namespace_id, status, available_at, created_at)`, runs),
			fmt.Sprintf(`CREATE INDEX %[1]s_created_idx ON %[1]s (namespace_id, created_at, id)`, runs),
			fmt.Sprintf(`CREATE INDEX %[1]s_idempotency_idx ON %[1]s (namespace_id, workflow_name, idempotency_key, created_at)`, runs),
		},

		// 2: step attempts, the memoization record.
		{
			fmt.Sprintf(`CREATE TABLE %s (
				namespace_id TEXT NOT NULL,
				id TEXT NOT NULL,
				workflow_run_id TEXT NOT NULL,
				step_name TEXT NOT NULL,
				kind TEXT NOT NULL CHECK (kind IN ('function', 'sleep')),
				status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'succeeded', 'failed')),
				config TEXT,
				context TEXT,
				output TEXT,
				error TEXT,
				child_workflow_run_namespace_id TEXT,
				child_workflow_run_id TEXT,
				started_at INTEGER,
				finished_at INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (namespace_id, id),
				FOREIGN KEY (namespace_id, workflow_run_id) REFERENCES %s (namespace_id, id) ON DELETE CASCADE
			)`, attempts, runs),
			fmt.Sprintf(`CREATE INDEX %[1]s_run_idx ON %[1]s (namespace_id, workflow_run_id, created_at, id)`, attempts),
			fmt.Sprintf(`CREATE INDEX %[1]s_step_idx ON %[1]s (namespace_id, workflow_run_id, step_name, created_at)`, attempts),
		},

		// 3: listing filters by status and workflow name.
		{
			fmt.Sprintf(`CREATE INDEX %[1]s_status_idx ON %[1]s (namespace_id, status, created_at, id)`, runs),
			fmt.Sprintf(`CREATE INDEX %[1]s_workflow_idx ON %[1]s (namespace_id, workflow_name, created_at, id)`, runs),
		},
	}
}

// Migrate applies every schema block above the recorded high-water mark.
// It is idempotent and safe to run on every startup.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)`, b.migrationsTable)); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := b.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(version), 0) FROM %s`, b.migrationsTable)).Scan(&current); err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	blocks := migrationBlocks(b.prefix)
	for i := current; i < len(blocks); i++ {
		version := i + 1
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		for _, stmt := range blocks[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to apply migration %d: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (version) VALUES (?)`, b.migrationsTable), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}
	return nil
}

const runColumns = `namespace_id, id, workflow_name, version, status, idempotency_key,
	config, context, input, output, error, attempts,
	parent_step_attempt_namespace_id, parent_step_attempt_id,
	worker_id, available_at, deadline_at, started_at, finished_at, created_at, updated_at`

const attemptColumns = `namespace_id, id, workflow_run_id, step_name, kind, status,
	config, context, output, error,
	child_workflow_run_namespace_id, child_workflow_run_id,
	started_at, finished_at, created_at, updated_at`

// CreateWorkflowRun inserts a new pending run.
func (b *Backend) CreateWorkflowRun(ctx context.Context, params backend.CreateWorkflowRunParams) (*backend.WorkflowRun, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := b.now()
	nowMS := now.UnixMilli()
	availableMS := nowMS
	if params.AvailableAt != nil {
		availableMS = params.AvailableAt.UnixMilli()
	}
	id := uuid.NewString()

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespace_id, id, workflow_name, version, status, idempotency_key,
			config, context, input, attempts, available_at, deadline_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`, b.runsTable),
		b.namespace, id, params.WorkflowName, nullString(params.Version),
		string(backend.StatusPending), nullString(params.IdempotencyKey),
		nullJSON(params.Config), nullJSON(params.Context), nullJSON(params.Input),
		availableMS, nullMillis(params.DeadlineAt), nowMS, nowMS)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}

	return b.GetWorkflowRun(ctx, id)
}

// GetWorkflowRun retrieves a run by id.
func (b *Backend) GetWorkflowRun(ctx context.Context, id string) (*backend.WorkflowRun, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE namespace_id = ? AND id = ?`, runColumns, b.runsTable),
		b.namespace, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

// ListWorkflowRuns pages through the namespace's runs by (created_at, id).
func (b *Backend) ListWorkflowRuns(ctx context.Context, page backend.Pagination) (*backend.Page[backend.WorkflowRun], error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace_id = ?`, runColumns, b.runsTable)
	args := []any{b.namespace}
	switch {
	case page.Before != nil:
		query += ` AND (created_at, id) < (?, ?) ORDER BY created_at DESC, id DESC`
		args = append(args, page.Before.CreatedAt.UnixMilli(), page.Before.ID)
	case page.After != nil:
		query += ` AND (created_at, id) > (?, ?) ORDER BY created_at ASC, id ASC`
		args = append(args, page.After.CreatedAt.UnixMilli(), page.After.ID)
	default:
		query += ` ORDER BY created_at ASC, id ASC`
	}
	query += ` LIMIT ?`
	args = append(args, page.EffectiveLimit()+1)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	var items []backend.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		items = append(items, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	return backend.BuildPage(items, page, func(r backend.WorkflowRun) backend.Cursor {
		return backend.NewCursor(r.CreatedAt, r.ID)
	}), nil
}

// ClaimWorkflowRun dequeues at most one eligible run inside a single
// transaction: sweep expired deadlines, pick the first claimable row
// (pending before sleeping wake-ups and expired leases), mark it running.
func (b *Backend) ClaimWorkflowRun(ctx context.Context, workerID string, lease time.Duration) (*backend.WorkflowRun, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	nowMS := b.now().UnixMilli()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = ?, error = ?, worker_id = NULL, available_at = NULL, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND status IN ('pending', 'running', 'sleeping')
			AND deadline_at IS NOT NULL AND deadline_at <= ?`, b.runsTable),
		string(backend.StatusFailed), envelopeValue(backend.DeadlineExceededEnvelope()),
		nowMS, nowMS, b.namespace, nowMS)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired deadlines: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE namespace_id = ? AND status IN ('pending', 'running', 'sleeping')
			AND available_at IS NOT NULL AND available_at <= ?
			AND (deadline_at IS NULL OR deadline_at > ?)
		ORDER BY status <> 'pending', available_at, created_at, id
		LIMIT 1`, b.runsTable),
		b.namespace, nowMS, nowMS).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable run: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = ?, worker_id = ?, available_at = ?,
			started_at = COALESCE(started_at, ?), attempts = attempts + 1, updated_at = ?
		WHERE namespace_id = ? AND id = ?`, b.runsTable),
		string(backend.StatusRunning), workerID, nowMS+lease.Milliseconds(),
		nowMS, nowMS, b.namespace, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim workflow run: %w", err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE namespace_id = ? AND id = ?`, runColumns, b.runsTable),
		b.namespace, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return run, nil
}

// ExtendWorkflowRunLease pushes available_at to now+lease for an owned run.
func (b *Backend) ExtendWorkflowRunLease(ctx context.Context, runID, workerID string, lease time.Duration) (*backend.WorkflowRun, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedRun(ctx, "extend workflow run lease", runID, workerID, fmt.Sprintf(`
		UPDATE %s SET available_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`, b.runsTable),
		nowMS+lease.Milliseconds(), nowMS, b.namespace, runID, workerID)
}

// SleepWorkflowRun parks an owned run until availableAt.
func (b *Backend) SleepWorkflowRun(ctx context.Context, runID, workerID string, availableAt time.Time) (*backend.WorkflowRun, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedRun(ctx, "sleep workflow run", runID, workerID, fmt.Sprintf(`
		UPDATE %s SET status = ?, available_at = ?, worker_id = NULL, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`, b.runsTable),
		string(backend.StatusSleeping), availableAt.UnixMilli(), nowMS, b.namespace, runID, workerID)
}

// CompleteWorkflowRun records terminal success for an owned run.
func (b *Backend) CompleteWorkflowRun(ctx context.Context, runID, workerID string, output json.RawMessage) (*backend.WorkflowRun, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedRun(ctx, "complete workflow run", runID, workerID, fmt.Sprintf(`
		UPDATE %s SET status = ?, output = ?, worker_id = NULL, available_at = NULL, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`, b.runsTable),
		string(backend.StatusCompleted), nullJSON(output), nowMS, nowMS, b.namespace, runID, workerID)
}

// FailWorkflowRun records terminal failure for an owned run.
func (b *Backend) FailWorkflowRun(ctx context.Context, runID, workerID string, runErr *backend.ErrorEnvelope) (*backend.WorkflowRun, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedRun(ctx, "fail workflow run", runID, workerID, fmt.Sprintf(`
		UPDATE %s SET status = ?, error = ?, worker_id = NULL, available_at = NULL, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`, b.runsTable),
		string(backend.StatusFailed), envelopeValue(runErr), nowMS, nowMS, b.namespace, runID, workerID)
}

// RescheduleWorkflowRun returns an owned run to pending for a later retry.
func (b *Backend) RescheduleWorkflowRun(ctx context.Context, runID, workerID string, availableAt time.Time, runErr *backend.ErrorEnvelope) (*backend.WorkflowRun, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedRun(ctx, "reschedule workflow run", runID, workerID, fmt.Sprintf(`
		UPDATE %s SET status = ?, available_at = ?, worker_id = NULL, started_at = NULL, error = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running' AND worker_id = ?`, b.runsTable),
		string(backend.StatusPending), availableAt.UnixMilli(), envelopeValue(runErr),
		nowMS, b.namespace, runID, workerID)
}

// CancelWorkflowRun cancels a live run regardless of who holds its lease.
func (b *Backend) CancelWorkflowRun(ctx context.Context, runID string) (*backend.WorkflowRun, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancel: %w", err)
	}
	defer tx.Rollback()

	nowMS := b.now().UnixMilli()
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, worker_id = NULL, available_at = NULL, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status IN ('pending', 'running', 'sleeping')`, b.runsTable),
		string(backend.StatusCanceled), nowMS, nowMS, b.namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel workflow run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to cancel workflow run: %w", err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE namespace_id = ? AND id = ?`, runColumns, b.runsTable),
		b.namespace, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read canceled run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancel: %w", err)
	}

	if affected == 0 {
		// Canceling twice is a no-op; a completed or failed run is not
		// cancelable.
		if run.Status == backend.StatusCanceled {
			return run, nil
		}
		return nil, &errors.TerminalStateError{RunID: runID, Status: string(run.Status)}
	}
	return run, nil
}

// CreateStepAttempt inserts a running attempt under the parent run's lease.
// The INSERT ... SELECT makes the ownership check and the insert one
// statement: zero rows means the lease is gone.
func (b *Backend) CreateStepAttempt(ctx context.Context, params backend.CreateStepAttemptParams) (*backend.StepAttempt, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	nowMS := b.now().UnixMilli()
	id := uuid.NewString()

	res, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespace_id, id, workflow_run_id, step_name, kind, status,
			config, context, started_at, created_at, updated_at)
		SELECT r.namespace_id, ?, r.id, ?, ?, ?, ?, ?, ?, ?, ?
		FROM %s r
		WHERE r.namespace_id = ? AND r.id = ? AND r.status = 'running' AND r.worker_id = ?`,
		b.attemptsTable, b.runsTable),
		id, params.StepName, string(params.Kind), string(backend.StepStatusRunning),
		nullJSON(params.Config), nullJSON(params.Context), nowMS, nowMS, nowMS,
		b.namespace, params.WorkflowRunID, params.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create step attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to create step attempt: %w", err)
	}
	if affected == 0 {
		return nil, &errors.GuardMismatchError{Op: "create step attempt", RunID: params.WorkflowRunID, WorkerID: params.WorkerID}
	}

	return b.GetStepAttempt(ctx, params.WorkflowRunID, id)
}

// GetStepAttempt retrieves one attempt of a run.
func (b *Backend) GetStepAttempt(ctx context.Context, runID, attemptID string) (*backend.StepAttempt, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE namespace_id = ? AND id = ? AND workflow_run_id = ?`,
		attemptColumns, b.attemptsTable),
		b.namespace, attemptID, runID)

	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "step attempt", ID: attemptID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step attempt: %w", err)
	}
	return attempt, nil
}

// ListStepAttempts pages through a run's attempts in creation order.
func (b *Backend) ListStepAttempts(ctx context.Context, runID string, page backend.Pagination) (*backend.Page[backend.StepAttempt], error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE namespace_id = ? AND workflow_run_id = ?`,
		attemptColumns, b.attemptsTable)
	args := []any{b.namespace, runID}
	switch {
	case page.Before != nil:
		query += ` AND (created_at, id) < (?, ?) ORDER BY created_at DESC, id DESC`
		args = append(args, page.Before.CreatedAt.UnixMilli(), page.Before.ID)
	case page.After != nil:
		query += ` AND (created_at, id) > (?, ?) ORDER BY created_at ASC, id ASC`
		args = append(args, page.After.CreatedAt.UnixMilli(), page.After.ID)
	default:
		query += ` ORDER BY created_at ASC, id ASC`
	}
	query += ` LIMIT ?`
	args = append(args, page.EffectiveLimit()+1)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list step attempts: %w", err)
	}
	defer rows.Close()

	var items []backend.StepAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step attempt: %w", err)
		}
		items = append(items, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list step attempts: %w", err)
	}

	return backend.BuildPage(items, page, func(a backend.StepAttempt) backend.Cursor {
		return backend.NewCursor(a.CreatedAt, a.ID)
	}), nil
}

// CompleteStepAttempt records an attempt's success under the joined guard.
func (b *Backend) CompleteStepAttempt(ctx context.Context, runID, attemptID, workerID string, output json.RawMessage) (*backend.StepAttempt, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedAttempt(ctx, "complete step attempt", runID, attemptID, workerID, fmt.Sprintf(`
		UPDATE %s SET status = ?, output = ?, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND workflow_run_id = ? AND status = 'running'
			AND EXISTS (
				SELECT 1 FROM %s r
				WHERE r.namespace_id = %[1]s.namespace_id AND r.id = %[1]s.workflow_run_id
					AND r.status = 'running' AND r.worker_id = ?
			)`, b.attemptsTable, b.runsTable),
		string(backend.StepStatusCompleted), nullJSON(output), nowMS, nowMS,
		b.namespace, attemptID, runID, workerID)
}

// FailStepAttempt records an attempt's failure under the joined guard.
func (b *Backend) FailStepAttempt(ctx context.Context, runID, attemptID, workerID string, stepErr *backend.ErrorEnvelope) (*backend.StepAttempt, error) {
	nowMS := b.now().UnixMilli()
	return b.execGuardedAttempt(ctx, "fail step attempt", runID, attemptID, workerID, fmt.Sprintf(`
		UPDATE %s SET status = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND workflow_run_id = ? AND status = 'running'
			AND EXISTS (
				SELECT 1 FROM %s r
				WHERE r.namespace_id = %[1]s.namespace_id AND r.id = %[1]s.workflow_run_id
					AND r.status = 'running' AND r.worker_id = ?
			)`, b.attemptsTable, b.runsTable),
		string(backend.StepStatusFailed), envelopeValue(stepErr), nowMS, nowMS,
		b.namespace, attemptID, runID, workerID)
}

// execGuardedRun runs one guarded UPDATE and returns the updated row.
// Zero affected rows means the guard matched nothing: the lease is lost.
func (b *Backend) execGuardedRun(ctx context.Context, op, runID, workerID, query string, args ...any) (*backend.WorkflowRun, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	if affected == 0 {
		return nil, &errors.GuardMismatchError{Op: op, RunID: runID, WorkerID: workerID}
	}

	run, err := scanRun(tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE namespace_id = ? AND id = ?`, runColumns, b.runsTable),
		b.namespace, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return run, nil
}

// execGuardedAttempt is execGuardedRun for step attempt rows.
func (b *Backend) execGuardedAttempt(ctx context.Context, op, runID, attemptID, workerID, query string, args ...any) (*backend.StepAttempt, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	if affected == 0 {
		return nil, &errors.GuardMismatchError{Op: op, RunID: runID, WorkerID: workerID}
	}

	attempt, err := scanAttempt(tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE namespace_id = ? AND id = ?`, attemptColumns, b.attemptsTable),
		b.namespace, attemptID))
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return attempt, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*backend.WorkflowRun, error) {
	var (
		run            backend.WorkflowRun
		version        sql.NullString
		status         string
		idempotencyKey sql.NullString
		config         []byte
		contextBlob    []byte
		input          []byte
		output         []byte
		errBlob        []byte
		parentNS       sql.NullString
		parentID       sql.NullString
		workerID       sql.NullString
		availableAt    sql.NullInt64
		deadlineAt     sql.NullInt64
		startedAt      sql.NullInt64
		finishedAt     sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)

	err := row.Scan(&run.NamespaceID, &run.ID, &run.WorkflowName, &version, &status, &idempotencyKey,
		&config, &contextBlob, &input, &output, &errBlob, &run.Attempts,
		&parentNS, &parentID,
		&workerID, &availableAt, &deadlineAt, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Status, err = backend.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	run.Version = stringPtr(version)
	run.IdempotencyKey = stringPtr(idempotencyKey)
	run.Config = rawJSON(config)
	run.Context = rawJSON(contextBlob)
	run.Input = rawJSON(input)
	run.Output = rawJSON(output)
	run.Error, err = parseEnvelope(errBlob)
	if err != nil {
		return nil, err
	}
	run.ParentStepAttemptNamespaceID = stringPtr(parentNS)
	run.ParentStepAttemptID = stringPtr(parentID)
	run.WorkerID = stringPtr(workerID)
	run.AvailableAt = timePtr(availableAt)
	run.DeadlineAt = timePtr(deadlineAt)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &run, nil
}

func scanAttempt(row rowScanner) (*backend.StepAttempt, error) {
	var (
		attempt     backend.StepAttempt
		kind        string
		status      string
		config      []byte
		contextBlob []byte
		output      []byte
		errBlob     []byte
		childNS     sql.NullString
		childID     sql.NullString
		startedAt   sql.NullInt64
		finishedAt  sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(&attempt.NamespaceID, &attempt.ID, &attempt.WorkflowRunID, &attempt.StepName, &kind, &status,
		&config, &contextBlob, &output, &errBlob,
		&childNS, &childID,
		&startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	attempt.Kind = backend.StepKind(kind)
	attempt.Status, err = backend.ParseStepStatus(status)
	if err != nil {
		return nil, err
	}
	attempt.Config = rawJSON(config)
	attempt.Context = rawJSON(contextBlob)
	attempt.Output = rawJSON(output)
	attempt.Error, err = parseEnvelope(errBlob)
	if err != nil {
		return nil, err
	}
	attempt.ChildWorkflowRunNamespaceID = stringPtr(childNS)
	attempt.ChildWorkflowRunID = stringPtr(childID)
	attempt.StartedAt = timePtr(startedAt)
	attempt.FinishedAt = timePtr(finishedAt)
	attempt.CreatedAt = time.UnixMilli(createdAt).UTC()
	attempt.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &attempt, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func envelopeValue(e *backend.ErrorEnvelope) any {
	if e == nil {
		return nil
	}
	return []byte(e.JSON())
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func parseEnvelope(b []byte) (*backend.ErrorEnvelope, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var envelope backend.ErrorEnvelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode error envelope: %w", err)
	}
	return &envelope, nil
}
