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

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// setupBackend starts a disposable PostgreSQL container and returns a
// migrated backend. The whole file is skipped in -short mode and when
// Docker is unavailable.
func setupBackend(t *testing.T) *Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("openworkflow"),
		tcpostgres.WithUsername("openworkflow"),
		tcpostgres.WithPassword("openworkflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	if err != nil {
		t.Skipf("could not start postgres container (is Docker running?): %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	b, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, b.Migrate(ctx))
	return b
}

func TestPostgresBackend(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		require.NoError(t, b.Migrate(ctx))
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		version := "2.0.0"
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "checkout",
			Version:      &version,
			Input:        json.RawMessage(`{"order":42}`),
		})
		require.NoError(t, err)
		assert.Equal(t, backend.StatusPending, created.Status)
		assert.NotNil(t, created.AvailableAt)
		assert.Len(t, created.ID, 36)

		got, err := b.GetWorkflowRun(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.JSONEq(t, `{"order":42}`, string(got.Input))
		require.NotNil(t, got.Version)
		assert.Equal(t, version, *got.Version)

		_, err = b.GetWorkflowRun(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("ClaimLifecycle", func(t *testing.T) {
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "claim-lifecycle",
		})
		require.NoError(t, err)

		claimed := claimSpecific(t, b, "worker-a", created.ID)
		assert.Equal(t, backend.StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		require.NotNil(t, claimed.WorkerID)
		assert.Equal(t, "worker-a", *claimed.WorkerID)
		require.NotNil(t, claimed.AvailableAt)
		assert.True(t, claimed.AvailableAt.After(claimed.UpdatedAt),
			"lease expiry should be in the future")

		// A second worker must not steal a live lease.
		second, err := b.ClaimWorkflowRun(ctx, "worker-b", 30*time.Second)
		require.NoError(t, err)
		if second != nil {
			assert.NotEqual(t, created.ID, second.ID)
		}

		extended, err := b.ExtendWorkflowRunLease(ctx, created.ID, "worker-a", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, extended.AvailableAt.After(*claimed.AvailableAt))

		_, err = b.ExtendWorkflowRunLease(ctx, created.ID, "worker-b", time.Minute)
		assert.True(t, errors.IsGuardMismatch(err))

		done, err := b.CompleteWorkflowRun(ctx, created.ID, "worker-a", json.RawMessage(`{"ok":true}`))
		require.NoError(t, err)
		assert.Equal(t, backend.StatusCompleted, done.Status)
		assert.Nil(t, done.WorkerID)
		assert.Nil(t, done.AvailableAt)
		assert.NotNil(t, done.FinishedAt)
	})

	t.Run("ExpiredLeaseIsReclaimable", func(t *testing.T) {
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "lease-expiry",
		})
		require.NoError(t, err)

		claimSpecific(t, b, "worker-a", created.ID)

		// A 1ms lease expires essentially immediately.
		_, err = b.ExtendWorkflowRunLease(ctx, created.ID, "worker-a", time.Millisecond)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)

		reclaimed := claimSpecific(t, b, "worker-b", created.ID)
		assert.Equal(t, 2, reclaimed.Attempts)
		require.NotNil(t, reclaimed.WorkerID)
		assert.Equal(t, "worker-b", *reclaimed.WorkerID)

		// The old holder's writes now miss their guard.
		_, err = b.CompleteWorkflowRun(ctx, created.ID, "worker-a", nil)
		assert.True(t, errors.IsGuardMismatch(err))

		_, err = b.FailWorkflowRun(ctx, created.ID, "worker-b",
			&backend.ErrorEnvelope{Name: "Error", Message: "boom"})
		require.NoError(t, err)
	})

	t.Run("DeadlineSweep", func(t *testing.T) {
		deadline := time.Now().Add(20 * time.Millisecond)
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "doomed",
			DeadlineAt:   &deadline,
		})
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 10; i++ {
			run, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
			require.NoError(t, err)
			if run == nil {
				break
			}
			require.NotEqual(t, created.ID, run.ID, "expired run must not be claimed")
			_, err = b.CompleteWorkflowRun(ctx, run.ID, "worker-a", nil)
			require.NoError(t, err)
		}

		swept, err := b.GetWorkflowRun(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, backend.StatusFailed, swept.Status)
		require.NotNil(t, swept.Error)
		assert.Equal(t, backend.DeadlineExceededMessage, swept.Error.Message)
	})

	t.Run("SleepAndWake", func(t *testing.T) {
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "sleeper",
		})
		require.NoError(t, err)
		claimSpecific(t, b, "worker-a", created.ID)

		slept, err := b.SleepWorkflowRun(ctx, created.ID, "worker-a", time.Now().Add(30*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, backend.StatusSleeping, slept.Status)
		assert.Nil(t, slept.WorkerID)

		time.Sleep(60 * time.Millisecond)
		woken := claimSpecific(t, b, "worker-b", created.ID)
		assert.Equal(t, 2, woken.Attempts, "wake-ups count as claims")

		_, err = b.CompleteWorkflowRun(ctx, created.ID, "worker-b", nil)
		require.NoError(t, err)
	})

	t.Run("RescheduleRetriesLater", func(t *testing.T) {
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "flaky",
		})
		require.NoError(t, err)
		claimSpecific(t, b, "worker-a", created.ID)

		rescheduled, err := b.RescheduleWorkflowRun(ctx, created.ID, "worker-a",
			time.Now().Add(30*time.Millisecond),
			&backend.ErrorEnvelope{Name: "Error", Message: "transient"})
		require.NoError(t, err)
		assert.Equal(t, backend.StatusPending, rescheduled.Status)
		assert.Nil(t, rescheduled.StartedAt)
		require.NotNil(t, rescheduled.Error)
		assert.Equal(t, "transient", rescheduled.Error.Message)

		time.Sleep(60 * time.Millisecond)
		retried := claimSpecific(t, b, "worker-b", created.ID)
		assert.Equal(t, 2, retried.Attempts)
		assert.NotNil(t, retried.StartedAt)

		_, err = b.CompleteWorkflowRun(ctx, created.ID, "worker-b", nil)
		require.NoError(t, err)
	})

	t.Run("CancelInFlight", func(t *testing.T) {
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "cancel-me",
		})
		require.NoError(t, err)
		claimSpecific(t, b, "worker-a", created.ID)

		canceled, err := b.CancelWorkflowRun(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, backend.StatusCanceled, canceled.Status)

		// Idempotent.
		again, err := b.CancelWorkflowRun(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, backend.StatusCanceled, again.Status)

		// The lease holder discovers the cancellation on its next write.
		_, err = b.CompleteWorkflowRun(ctx, created.ID, "worker-a", nil)
		assert.True(t, errors.IsGuardMismatch(err))
	})

	t.Run("StepAttemptLifecycle", func(t *testing.T) {
		created, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
			WorkflowName: "stepper",
		})
		require.NoError(t, err)
		claimSpecific(t, b, "worker-a", created.ID)

		attempt, err := b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
			WorkflowRunID: created.ID,
			WorkerID:      "worker-a",
			StepName:      "fetch-user",
			Kind:          backend.StepKindFunction,
			Config:        json.RawMessage(`{"name":"fetch-user"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, backend.StepStatusRunning, attempt.Status)

		_, err = b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
			WorkflowRunID: created.ID,
			WorkerID:      "worker-b",
			StepName:      "fetch-user",
			Kind:          backend.StepKindFunction,
		})
		assert.True(t, errors.IsGuardMismatch(err), "non-owner insert must fail the guard")

		done, err := b.CompleteStepAttempt(ctx, created.ID, attempt.ID, "worker-a", json.RawMessage(`{"id":7}`))
		require.NoError(t, err)
		assert.Equal(t, backend.StepStatusCompleted, done.Status)
		assert.JSONEq(t, `{"id":7}`, string(done.Output))

		// Terminal attempts cannot transition again.
		_, err = b.FailStepAttempt(ctx, created.ID, attempt.ID, "worker-a",
			&backend.ErrorEnvelope{Message: "late"})
		assert.True(t, errors.IsGuardMismatch(err))

		page, err := b.ListStepAttempts(ctx, created.ID, backend.Pagination{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "fetch-user", page.Items[0].StepName)

		_, err = b.CompleteWorkflowRun(ctx, created.ID, "worker-a", nil)
		require.NoError(t, err)
	})

	t.Run("ListWorkflowRunsPaging", func(t *testing.T) {
		// The namespace is shared with earlier subtests, so walk pages and
		// check ordering rather than exact contents.
		page, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 3})
		require.NoError(t, err)
		require.NotEmpty(t, page.Items)

		var previous *backend.WorkflowRun
		for {
			for i := range page.Items {
				item := page.Items[i]
				if previous != nil {
					ordered := previous.CreatedAt.Before(item.CreatedAt) ||
						(previous.CreatedAt.Equal(item.CreatedAt) && previous.ID < item.ID)
					assert.True(t, ordered, "items must be ordered by (created_at, id)")
				}
				previous = &item
			}
			if !page.HasNext {
				break
			}
			page, err = b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 3, After: page.Next})
			require.NoError(t, err)
		}
	})
}

// claimSpecific drains the claim queue until it returns the wanted run,
// completing any other runs it picks up along the way. Subtests share one
// database, so unrelated pending runs may be interleaved.
func claimSpecific(t *testing.T, b *Backend, workerID, runID string) *backend.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		run, err := b.ClaimWorkflowRun(ctx, workerID, 30*time.Second)
		require.NoError(t, err)
		if run == nil {
			break
		}
		if run.ID == runID {
			return run
		}
		_, err = b.CompleteWorkflowRun(ctx, run.ID, workerID, nil)
		require.NoError(t, err)
	}
	t.Fatalf("run %s was never claimed", runID)
	return nil
}
