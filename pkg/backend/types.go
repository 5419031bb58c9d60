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

package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/openworkflow/pkg/errors"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	// StatusPending marks a run waiting to be claimed.
	StatusPending Status = "pending"

	// StatusRunning marks a run owned by a worker under a live lease.
	StatusRunning Status = "running"

	// StatusSleeping marks a run parked until its wake time.
	StatusSleeping Status = "sleeping"

	// StatusCompleted marks terminal success.
	StatusCompleted Status = "completed"

	// StatusFailed marks terminal failure.
	StatusFailed Status = "failed"

	// StatusCanceled marks terminal cancellation.
	StatusCanceled Status = "canceled"
)

// legacyStatusSucceeded is accepted on read for rows written by earlier
// releases and normalized to StatusCompleted.
const legacyStatusSucceeded = "succeeded"

// ParseStatus normalizes a stored status string. The legacy alias
// "succeeded" maps to StatusCompleted.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSleeping, StatusCompleted, StatusFailed, StatusCanceled:
		return Status(s), nil
	}
	if s == legacyStatusSucceeded {
		return StatusCompleted, nil
	}
	return "", &errors.ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("unknown workflow run status %q", s),
	}
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Claimable reports whether a run in this status is eligible for claiming
// once its available_at has passed.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusSleeping
}

// StepKind distinguishes the two attempt flavors.
type StepKind string

const (
	// StepKindFunction is a user function step.
	StepKindFunction StepKind = "function"

	// StepKindSleep is a durable sleep step; its wake time lives in the
	// attempt context.
	StepKindSleep StepKind = "sleep"
)

// StepStatus is the lifecycle state of a step attempt.
type StepStatus string

const (
	// StepStatusRunning marks an attempt that has not reached a terminal
	// state. For sleep attempts this covers the whole sleep window.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted marks an attempt whose output is memoized;
	// the step is never executed again within its run.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed marks one failed try; the same step name may
	// accumulate several failed attempts across retries.
	StepStatusFailed StepStatus = "failed"
)

// ParseStepStatus normalizes a stored step status string, accepting the
// legacy "succeeded" alias.
func ParseStepStatus(s string) (StepStatus, error) {
	switch StepStatus(s) {
	case StepStatusRunning, StepStatusCompleted, StepStatusFailed:
		return StepStatus(s), nil
	}
	if s == legacyStatusSucceeded {
		return StepStatusCompleted, nil
	}
	return "", &errors.ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("unknown step attempt status %q", s),
	}
}

// WorkflowRun is one execution instance of a workflow. The (NamespaceID, ID)
// pair is the primary key; the row is the single mutable cell coordinating
// every worker that ever touches the run.
type WorkflowRun struct {
	NamespaceID  string  `json:"namespaceId"`
	ID           string  `json:"id"`
	WorkflowName string  `json:"workflowName"`
	Version      *string `json:"version,omitempty"`
	Status       Status  `json:"status"`

	IdempotencyKey *string `json:"idempotencyKey,omitempty"`

	Config  json.RawMessage `json:"config,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`

	Error *ErrorEnvelope `json:"error,omitempty"`

	// Attempts counts successful claims, including wake-ups after sleep.
	Attempts int `json:"attempts"`

	// Back-link to the step attempt that spawned this run. Reserved for
	// child workflows; always nil today.
	ParentStepAttemptNamespaceID *string `json:"parentStepAttemptNamespaceId,omitempty"`
	ParentStepAttemptID          *string `json:"parentStepAttemptId,omitempty"`

	// WorkerID is the lease holder while Status is running, nil otherwise.
	WorkerID *string `json:"workerId,omitempty"`

	// AvailableAt drives the scheduler: the claim-eligible time for
	// pending, the wake time for sleeping, and the lease expiry for
	// running. Nil once the run is terminal.
	AvailableAt *time.Time `json:"availableAt,omitempty"`

	// DeadlineAt is the hard wall-clock limit, if any.
	DeadlineAt *time.Time `json:"deadlineAt,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// StepAttempt is one try at a named step within a run. Completed attempts
// are the memoization record: their step name never executes again.
type StepAttempt struct {
	NamespaceID   string     `json:"namespaceId"`
	ID            string     `json:"id"`
	WorkflowRunID string     `json:"workflowRunId"`
	StepName      string     `json:"stepName"`
	Kind          StepKind   `json:"kind"`
	Status        StepStatus `json:"status"`

	Config  json.RawMessage `json:"config,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`

	Error *ErrorEnvelope `json:"error,omitempty"`

	// Back-link to a spawned child run. Reserved; always nil today.
	ChildWorkflowRunNamespaceID *string `json:"childWorkflowRunNamespaceId,omitempty"`
	ChildWorkflowRunID          *string `json:"childWorkflowRunId,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// SleepContext is the Context payload of a sleep attempt.
type SleepContext struct {
	Kind     string    `json:"kind"`
	ResumeAt time.Time `json:"resumeAt"`
}

// SleepContextKind is the Kind discriminator of SleepContext.
const SleepContextKind = "sleep"

// NewSleepContext builds the context blob for a sleep attempt. The wake
// time is truncated to millisecond precision, matching the store.
func NewSleepContext(resumeAt time.Time) SleepContext {
	return SleepContext{Kind: SleepContextKind, ResumeAt: resumeAt.Truncate(time.Millisecond)}
}

// ParseSleepContext decodes a sleep attempt's context blob.
func ParseSleepContext(raw json.RawMessage) (*SleepContext, error) {
	var sc SleepContext
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, errors.Wrap(err, "decoding sleep context")
	}
	if sc.Kind != SleepContextKind {
		return nil, &errors.ValidationError{
			Field:   "context.kind",
			Message: fmt.Sprintf("expected %q, got %q", SleepContextKind, sc.Kind),
		}
	}
	if sc.ResumeAt.IsZero() {
		return nil, &errors.ValidationError{
			Field:   "context.resumeAt",
			Message: "sleep context is missing its wake time",
		}
	}
	return &sc, nil
}

// ErrorEnvelope is the structured error blob persisted on failed runs and
// failed step attempts.
type ErrorEnvelope struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewErrorEnvelope serializes a Go error for storage. The dynamic type is
// recorded as the envelope name.
func NewErrorEnvelope(err error) *ErrorEnvelope {
	if err == nil {
		return &ErrorEnvelope{Message: "<nil>"}
	}
	return &ErrorEnvelope{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// EnvelopeFromPanic serializes a recovered panic value together with the
// goroutine stack captured at the recovery site.
func EnvelopeFromPanic(v any, stack []byte) *ErrorEnvelope {
	if err, ok := v.(error); ok {
		envelope := NewErrorEnvelope(err)
		envelope.Stack = string(stack)
		return envelope
	}
	return &ErrorEnvelope{
		Message: fmt.Sprint(v),
		Stack:   string(stack),
	}
}

// DeadlineExceededMessage is the message recorded when the claim sweep
// fails a run whose deadline has passed.
const DeadlineExceededMessage = "Workflow run deadline exceeded"

// DeadlineExceededEnvelope builds the envelope written by the deadline sweep.
func DeadlineExceededEnvelope() *ErrorEnvelope {
	return &ErrorEnvelope{Message: DeadlineExceededMessage}
}

// JSON renders the envelope as its stored JSON form, used in user-facing
// failure messages.
func (e *ErrorEnvelope) JSON() string {
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message":%q}`, e.Message)
	}
	return string(blob)
}
