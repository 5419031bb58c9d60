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

package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()
	return New(Config{})
}

// advanceClock pins the backend clock to a controllable offset so scheduler
// tests do not depend on real sleeps.
func advanceClock(b *Backend) func(d time.Duration) {
	base := time.Now().Truncate(time.Millisecond)
	offset := time.Duration(0)
	b.now = func() time.Time { return base.Add(offset) }
	return func(d time.Duration) { offset += d }
}

func createRun(t *testing.T, b *Backend, name string) *backend.WorkflowRun {
	t.Helper()
	run, err := b.CreateWorkflowRun(context.Background(), backend.CreateWorkflowRunParams{
		WorkflowName: name,
		Input:        json.RawMessage(`{"name":"Alice"}`),
	})
	if err != nil {
		t.Fatalf("CreateWorkflowRun returned error: %v", err)
	}
	return run
}

func TestCreateWorkflowRun_Defaults(t *testing.T) {
	b := createTestBackend(t)
	run := createRun(t, b, "greeting")

	if run.Status != backend.StatusPending {
		t.Errorf("Status = %q, want pending", run.Status)
	}
	if run.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", run.Attempts)
	}
	if run.NamespaceID != backend.DefaultNamespace {
		t.Errorf("NamespaceID = %q, want %q", run.NamespaceID, backend.DefaultNamespace)
	}
	if run.AvailableAt == nil {
		t.Fatal("AvailableAt should default to creation time")
	}
	if run.WorkerID != nil || run.StartedAt != nil || run.FinishedAt != nil {
		t.Error("fresh runs carry no worker, start, or finish")
	}
	if len(run.ID) != 36 {
		t.Errorf("ID should be a UUID, got %q", run.ID)
	}
}

func TestGetWorkflowRun_NotFound(t *testing.T) {
	b := createTestBackend(t)

	_, err := b.GetWorkflowRun(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestClaimWorkflowRun(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	created := createRun(t, b, "greeting")

	claimed, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimWorkflowRun returned error: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claim")
	}
	if claimed.ID != created.ID {
		t.Errorf("claimed run %s, want %s", claimed.ID, created.ID)
	}
	if claimed.Status != backend.StatusRunning {
		t.Errorf("Status = %q, want running", claimed.Status)
	}
	if claimed.WorkerID == nil || *claimed.WorkerID != "worker-a" {
		t.Errorf("WorkerID = %v, want worker-a", claimed.WorkerID)
	}
	if claimed.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", claimed.Attempts)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt should be set on first claim")
	}
	if claimed.AvailableAt == nil || !claimed.AvailableAt.After(time.Now().Add(20*time.Second)) {
		t.Errorf("AvailableAt should hold the lease expiry, got %v", claimed.AvailableAt)
	}
}

func TestClaimWorkflowRun_Empty(t *testing.T) {
	b := createTestBackend(t)

	claimed, err := b.ClaimWorkflowRun(context.Background(), "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimWorkflowRun returned error: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected no claim, got %v", claimed.ID)
	}
}

func TestClaimWorkflowRun_RespectsAvailableAt(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	if _, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
		WorkflowName: "later",
		AvailableAt:  &future,
	}); err != nil {
		t.Fatalf("CreateWorkflowRun returned error: %v", err)
	}

	claimed, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimWorkflowRun returned error: %v", err)
	}
	if claimed != nil {
		t.Error("runs scheduled in the future must not be claimed")
	}
}

func TestClaimWorkflowRun_Exclusive(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	createRun(t, b, "solo")

	first, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if err != nil || first == nil {
		t.Fatalf("first claim: run=%v err=%v", first, err)
	}

	second, err := b.ClaimWorkflowRun(ctx, "worker-b", 30*time.Second)
	if err != nil {
		t.Fatalf("second claim returned error: %v", err)
	}
	if second != nil {
		t.Error("a leased run must not be claimable by another worker")
	}
}

func TestClaimWorkflowRun_ReclaimAfterLeaseExpiry(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)
	createRun(t, b, "crashy")

	first, err := b.ClaimWorkflowRun(ctx, "worker-a", 10*time.Second)
	if err != nil || first == nil {
		t.Fatalf("first claim: run=%v err=%v", first, err)
	}

	tick(11 * time.Second)

	second, err := b.ClaimWorkflowRun(ctx, "worker-b", 10*time.Second)
	if err != nil {
		t.Fatalf("reclaim returned error: %v", err)
	}
	if second == nil {
		t.Fatal("expired lease should make the run claimable again")
	}
	if *second.WorkerID != "worker-b" {
		t.Errorf("WorkerID = %q, want worker-b", *second.WorkerID)
	}
	if second.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", second.Attempts)
	}
}

func TestClaimWorkflowRun_PendingBeforeSleeping(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)

	sleeper := createRun(t, b, "sleeper")
	claimed, err := b.ClaimWorkflowRun(ctx, "worker-a", 10*time.Second)
	if err != nil || claimed == nil || claimed.ID != sleeper.ID {
		t.Fatalf("setup claim: run=%v err=%v", claimed, err)
	}
	wake := b.now().Add(time.Second)
	if _, err := b.SleepWorkflowRun(ctx, sleeper.ID, "worker-a", wake); err != nil {
		t.Fatalf("SleepWorkflowRun returned error: %v", err)
	}

	tick(2 * time.Second)
	fresh := createRun(t, b, "fresh")

	// Both are due: the sleeper woke earlier, but pending outranks sleeping.
	got, err := b.ClaimWorkflowRun(ctx, "worker-a", 10*time.Second)
	if err != nil || got == nil {
		t.Fatalf("claim: run=%v err=%v", got, err)
	}
	if got.ID != fresh.ID {
		t.Errorf("pending run should be claimed before the due sleeper, got %s", got.WorkflowName)
	}
}

func TestClaimWorkflowRun_DeadlineSweep(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)

	deadline := b.now().Add(100 * time.Millisecond)
	run, err := b.CreateWorkflowRun(ctx, backend.CreateWorkflowRunParams{
		WorkflowName: "expiring",
		DeadlineAt:   &deadline,
	})
	if err != nil {
		t.Fatalf("CreateWorkflowRun returned error: %v", err)
	}

	tick(200 * time.Millisecond)

	claimed, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimWorkflowRun returned error: %v", err)
	}
	if claimed != nil {
		t.Error("deadline-expired runs must not be claimable")
	}

	failed, err := b.GetWorkflowRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetWorkflowRun returned error: %v", err)
	}
	if failed.Status != backend.StatusFailed {
		t.Errorf("Status = %q, want failed", failed.Status)
	}
	if failed.Error == nil || failed.Error.Message != backend.DeadlineExceededMessage {
		t.Errorf("Error = %+v, want deadline-exceeded envelope", failed.Error)
	}
	if failed.WorkerID != nil || failed.AvailableAt != nil {
		t.Error("swept runs must have worker and lease cleared")
	}
}

func TestExtendWorkflowRunLease(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)
	createRun(t, b, "steady")

	claimed, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: run=%v err=%v", claimed, err)
	}

	tick(15 * time.Second)

	extended, err := b.ExtendWorkflowRunLease(ctx, claimed.ID, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("ExtendWorkflowRunLease returned error: %v", err)
	}
	if !extended.AvailableAt.After(*claimed.AvailableAt) {
		t.Errorf("lease must move strictly forward: %v -> %v", claimed.AvailableAt, extended.AvailableAt)
	}

	_, err = b.ExtendWorkflowRunLease(ctx, claimed.ID, "worker-b", 30*time.Second)
	if !errors.IsGuardMismatch(err) {
		t.Errorf("foreign worker should get a guard mismatch, got %v", err)
	}
}

func TestSleepWorkflowRun(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)
	createRun(t, b, "napper")

	claimed, err := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("claim: run=%v err=%v", claimed, err)
	}

	wake := b.now().Add(500 * time.Millisecond)
	slept, err := b.SleepWorkflowRun(ctx, claimed.ID, "worker-a", wake)
	if err != nil {
		t.Fatalf("SleepWorkflowRun returned error: %v", err)
	}
	if slept.Status != backend.StatusSleeping {
		t.Errorf("Status = %q, want sleeping", slept.Status)
	}
	if slept.WorkerID != nil {
		t.Error("sleeping runs hold no lease")
	}
	if !slept.AvailableAt.Equal(wake.Truncate(time.Millisecond)) {
		t.Errorf("AvailableAt = %v, want wake time %v", slept.AvailableAt, wake)
	}

	// Not claimable until the wake time passes.
	if got, _ := b.ClaimWorkflowRun(ctx, "worker-b", 30*time.Second); got != nil {
		t.Fatal("sleeping run claimed before its wake time")
	}
	tick(time.Second)
	woken, err := b.ClaimWorkflowRun(ctx, "worker-b", 30*time.Second)
	if err != nil || woken == nil {
		t.Fatalf("wake claim: run=%v err=%v", woken, err)
	}
	if woken.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 after wake-up claim", woken.Attempts)
	}
}

func TestCompleteWorkflowRun(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	createRun(t, b, "winner")

	claimed, _ := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	output := json.RawMessage(`{"message":"Hello, Alice!"}`)

	done, err := b.CompleteWorkflowRun(ctx, claimed.ID, "worker-a", output)
	if err != nil {
		t.Fatalf("CompleteWorkflowRun returned error: %v", err)
	}
	if done.Status != backend.StatusCompleted {
		t.Errorf("Status = %q, want completed", done.Status)
	}
	if string(done.Output) != string(output) {
		t.Errorf("Output = %s, want %s", done.Output, output)
	}
	if done.FinishedAt == nil || done.WorkerID != nil || done.AvailableAt != nil {
		t.Error("terminal runs must have finish time set and lease cleared")
	}
}

func TestFailWorkflowRun_Guard(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	createRun(t, b, "loser")

	claimed, _ := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)

	_, err := b.FailWorkflowRun(ctx, claimed.ID, "worker-b", backend.NewErrorEnvelope(errors.New("boom")))
	if !errors.IsGuardMismatch(err) {
		t.Fatalf("foreign worker should get a guard mismatch, got %v", err)
	}

	failed, err := b.FailWorkflowRun(ctx, claimed.ID, "worker-a", backend.NewErrorEnvelope(errors.New("boom")))
	if err != nil {
		t.Fatalf("FailWorkflowRun returned error: %v", err)
	}
	if failed.Status != backend.StatusFailed || failed.Error == nil || failed.Error.Message != "boom" {
		t.Errorf("failed run = %+v", failed)
	}
}

func TestRescheduleWorkflowRun(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	createRun(t, b, "retrier")

	claimed, _ := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	retryAt := b.now().Add(2 * time.Second)

	pending, err := b.RescheduleWorkflowRun(ctx, claimed.ID, "worker-a", retryAt, backend.NewErrorEnvelope(errors.New("step failed")))
	if err != nil {
		t.Fatalf("RescheduleWorkflowRun returned error: %v", err)
	}
	if pending.Status != backend.StatusPending {
		t.Errorf("Status = %q, want pending", pending.Status)
	}
	if pending.WorkerID != nil || pending.StartedAt != nil {
		t.Error("rescheduled runs clear worker and started_at")
	}
	if !pending.AvailableAt.Equal(retryAt.Truncate(time.Millisecond)) {
		t.Errorf("AvailableAt = %v, want %v", pending.AvailableAt, retryAt)
	}
	if pending.Error == nil {
		t.Error("reschedule must record the step error")
	}
}

func TestCancelWorkflowRun(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()

	t.Run("pending run", func(t *testing.T) {
		run := createRun(t, b, "cancel-pending")
		canceled, err := b.CancelWorkflowRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("CancelWorkflowRun returned error: %v", err)
		}
		if canceled.Status != backend.StatusCanceled || canceled.FinishedAt == nil {
			t.Errorf("canceled run = %+v", canceled)
		}
	})

	t.Run("idempotent on canceled", func(t *testing.T) {
		run := createRun(t, b, "cancel-twice")
		if _, err := b.CancelWorkflowRun(ctx, run.ID); err != nil {
			t.Fatalf("first cancel returned error: %v", err)
		}
		again, err := b.CancelWorkflowRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("second cancel should be a no-op, got %v", err)
		}
		if again.Status != backend.StatusCanceled {
			t.Errorf("Status = %q, want canceled", again.Status)
		}
	})

	t.Run("rejected on completed", func(t *testing.T) {
		run := createRun(t, b, "cancel-done")
		claimed, _ := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
		if claimed == nil || claimed.ID != run.ID {
			t.Fatalf("setup claim failed: %v", claimed)
		}
		if _, err := b.CompleteWorkflowRun(ctx, run.ID, "worker-a", nil); err != nil {
			t.Fatalf("complete returned error: %v", err)
		}

		_, err := b.CancelWorkflowRun(ctx, run.ID)
		var terminal *errors.TerminalStateError
		if !errors.As(err, &terminal) {
			t.Errorf("expected TerminalStateError, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := b.CancelWorkflowRun(ctx, "missing"); !errors.IsNotFound(err) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})
}

func TestCancelWorkflowRun_InFlight(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	createRun(t, b, "cancel-running")

	claimed, _ := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)
	if _, err := b.CancelWorkflowRun(ctx, claimed.ID); err != nil {
		t.Fatalf("cancel of a running run should succeed, got %v", err)
	}

	// The worker's next guarded write must fail without altering the row.
	_, err := b.CompleteWorkflowRun(ctx, claimed.ID, "worker-a", nil)
	if !errors.IsGuardMismatch(err) {
		t.Fatalf("expected guard mismatch after cancel, got %v", err)
	}

	got, _ := b.GetWorkflowRun(ctx, claimed.ID)
	if got.Status != backend.StatusCanceled {
		t.Errorf("terminal status must be stable, got %q", got.Status)
	}
}

func claimForSteps(t *testing.T, b *Backend) *backend.WorkflowRun {
	t.Helper()
	createRun(t, b, "stepper")
	claimed, err := b.ClaimWorkflowRun(context.Background(), "worker-a", 30*time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("setup claim: run=%v err=%v", claimed, err)
	}
	return claimed
}

func TestStepAttemptLifecycle(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	run := claimForSteps(t, b)

	attempt, err := b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
		WorkflowRunID: run.ID,
		WorkerID:      "worker-a",
		StepName:      "generate-greeting",
		Kind:          backend.StepKindFunction,
	})
	if err != nil {
		t.Fatalf("CreateStepAttempt returned error: %v", err)
	}
	if attempt.Status != backend.StepStatusRunning {
		t.Errorf("Status = %q, want running", attempt.Status)
	}
	if attempt.StartedAt == nil {
		t.Error("StartedAt should be set on creation")
	}

	output := json.RawMessage(`"Hello, Alice!"`)
	completed, err := b.CompleteStepAttempt(ctx, run.ID, attempt.ID, "worker-a", output)
	if err != nil {
		t.Fatalf("CompleteStepAttempt returned error: %v", err)
	}
	if completed.Status != backend.StepStatusCompleted {
		t.Errorf("Status = %q, want completed", completed.Status)
	}
	if string(completed.Output) != string(output) {
		t.Errorf("Output = %s, want %s verbatim", completed.Output, output)
	}

	// Terminal attempts reject a second terminal write.
	if _, err := b.CompleteStepAttempt(ctx, run.ID, attempt.ID, "worker-a", output); !errors.IsGuardMismatch(err) {
		t.Errorf("double completion should hit the guard, got %v", err)
	}
}

func TestStepAttempt_JoinedGuard(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	run := claimForSteps(t, b)

	attempt, err := b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
		WorkflowRunID: run.ID,
		WorkerID:      "worker-a",
		StepName:      "charge-card",
		Kind:          backend.StepKindFunction,
	})
	if err != nil {
		t.Fatalf("CreateStepAttempt returned error: %v", err)
	}

	// Cancel the parent: the worker's terminal step write must bounce.
	if _, err := b.CancelWorkflowRun(ctx, run.ID); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	_, err = b.CompleteStepAttempt(ctx, run.ID, attempt.ID, "worker-a", nil)
	if !errors.IsGuardMismatch(err) {
		t.Errorf("expected joined guard mismatch, got %v", err)
	}

	// Creation under a dead lease bounces too.
	_, err = b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
		WorkflowRunID: run.ID,
		WorkerID:      "worker-a",
		StepName:      "refund-card",
		Kind:          backend.StepKindFunction,
	})
	if !errors.IsGuardMismatch(err) {
		t.Errorf("expected guard mismatch on create, got %v", err)
	}
}

func TestFailStepAttempt_KeepsHistory(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	run := claimForSteps(t, b)

	for i := 0; i < 3; i++ {
		attempt, err := b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
			WorkflowRunID: run.ID,
			WorkerID:      "worker-a",
			StepName:      "flaky",
			Kind:          backend.StepKindFunction,
		})
		if err != nil {
			t.Fatalf("CreateStepAttempt returned error: %v", err)
		}
		if _, err := b.FailStepAttempt(ctx, run.ID, attempt.ID, "worker-a", backend.NewErrorEnvelope(errors.New("transient"))); err != nil {
			t.Fatalf("FailStepAttempt returned error: %v", err)
		}
	}

	page, err := b.ListStepAttempts(ctx, run.ID, backend.Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("ListStepAttempts returned error: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("failed attempts must accumulate, got %d", len(page.Items))
	}
	for _, attempt := range page.Items {
		if attempt.Status != backend.StepStatusFailed {
			t.Errorf("attempt %s status = %q, want failed", attempt.ID, attempt.Status)
		}
	}
}

func TestListStepAttempts_Order(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)
	createRun(t, b, "ordered")
	run, _ := b.ClaimWorkflowRun(ctx, "worker-a", 30*time.Second)

	names := []string{"first", "second", "third"}
	for _, name := range names {
		tick(2 * time.Millisecond)
		if _, err := b.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
			WorkflowRunID: run.ID,
			WorkerID:      "worker-a",
			StepName:      name,
			Kind:          backend.StepKindFunction,
		}); err != nil {
			t.Fatalf("CreateStepAttempt(%s) returned error: %v", name, err)
		}
	}

	page, err := b.ListStepAttempts(ctx, run.ID, backend.Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("ListStepAttempts returned error: %v", err)
	}
	for i, attempt := range page.Items {
		if attempt.StepName != names[i] {
			t.Errorf("Items[%d] = %q, want %q", i, attempt.StepName, names[i])
		}
	}
}

func TestListWorkflowRuns_Pagination(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)

	for i := 0; i < 5; i++ {
		tick(2 * time.Millisecond)
		createRun(t, b, "page-walk")
	}

	first, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("ListWorkflowRuns returned error: %v", err)
	}
	if len(first.Items) != 2 || !first.HasNext || first.HasPrev {
		t.Fatalf("first page = %d items, hasNext=%v, hasPrev=%v", len(first.Items), first.HasNext, first.HasPrev)
	}

	second, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 2, After: first.Next})
	if err != nil {
		t.Fatalf("ListWorkflowRuns(after) returned error: %v", err)
	}
	if len(second.Items) != 2 || !second.HasNext || !second.HasPrev {
		t.Fatalf("second page = %d items, hasNext=%v, hasPrev=%v", len(second.Items), second.HasNext, second.HasPrev)
	}

	third, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 2, After: second.Next})
	if err != nil {
		t.Fatalf("ListWorkflowRuns(after) returned error: %v", err)
	}
	if len(third.Items) != 1 || third.HasNext {
		t.Fatalf("third page = %d items, hasNext=%v", len(third.Items), third.HasNext)
	}

	// No overlap, full coverage.
	seen := make(map[string]bool)
	for _, page := range []*backend.Page[backend.WorkflowRun]{first, second, third} {
		for _, run := range page.Items {
			if seen[run.ID] {
				t.Errorf("run %s appeared on two pages", run.ID)
			}
			seen[run.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("pages covered %d runs, want 5", len(seen))
	}
}

func TestListWorkflowRuns_BeforeInvertsAfter(t *testing.T) {
	b := createTestBackend(t)
	ctx := context.Background()
	tick := advanceClock(b)

	for i := 0; i < 4; i++ {
		tick(2 * time.Millisecond)
		createRun(t, b, "mirror")
	}

	forward, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("ListWorkflowRuns returned error: %v", err)
	}
	next, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 2, After: forward.Next})
	if err != nil {
		t.Fatalf("ListWorkflowRuns(after) returned error: %v", err)
	}

	// Walking back from the second page's first row reproduces page one.
	back, err := b.ListWorkflowRuns(ctx, backend.Pagination{Limit: 2, Before: next.Prev})
	if err != nil {
		t.Fatalf("ListWorkflowRuns(before) returned error: %v", err)
	}
	if len(back.Items) != len(forward.Items) {
		t.Fatalf("backward page has %d items, want %d", len(back.Items), len(forward.Items))
	}
	for i := range back.Items {
		if back.Items[i].ID != forward.Items[i].ID {
			t.Errorf("Items[%d] = %s, want %s", i, back.Items[i].ID, forward.Items[i].ID)
		}
	}
	if !back.HasNext {
		t.Error("backward page must report a forward continuation")
	}
}

func TestCloneIsolation(t *testing.T) {
	b := createTestBackend(t)
	run := createRun(t, b, "immutable")

	// Mutating a returned copy must not leak into the store.
	run.Status = backend.StatusFailed
	run.Input[2] = 'X'

	fresh, err := b.GetWorkflowRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetWorkflowRun returned error: %v", err)
	}
	if fresh.Status != backend.StatusPending {
		t.Errorf("Status = %q, caller mutation leaked into the store", fresh.Status)
	}
	if string(fresh.Input) != `{"name":"Alice"}` {
		t.Errorf("Input = %s, caller mutation leaked into the store", fresh.Input)
	}
}
