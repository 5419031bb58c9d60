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
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/openworkflow/internal/log"
	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// tracerName identifies this package's spans.
const tracerName = "github.com/tombee/openworkflow/pkg/workflow"

// historyPageLimit is the page size used when loading a run's attempt
// history.
const historyPageLimit = backend.MaxPageLimit

// Engine executes single passes of claimed workflow runs. It is stateless
// between passes; everything durable lives in the backend.
type Engine struct {
	store  backend.Backend
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewEngine builds an engine over the given store. A nil logger falls back
// to slog.Default().
func NewEngine(store backend.Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: log.WithComponent(logger, "engine"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Execute performs one execution pass of a claimed run: replay the attempt
// history, advance due sleeps, invoke the workflow function, and record the
// resolution. The returned Outcome says how the pass resolved, including
// OutcomeLeaseLost when a guarded write found the lease gone.
//
// A non-nil error means the pass could not be resolved at all
// (infrastructure trouble); nothing was concluded about the run, and the
// caller should back off and let the lease sort it out.
func (e *Engine) Execute(ctx context.Context, run *backend.WorkflowRun, def *Definition, workerID string) (Outcome, error) {
	logger := log.WithWorker(log.WithRun(e.logger, run.ID, run.WorkflowName), workerID)

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("openworkflow.workflow", run.WorkflowName),
			attribute.String("openworkflow.run_id", run.ID),
			attribute.Int("openworkflow.claim_attempts", run.Attempts),
		))
	defer span.End()

	history, err := e.loadHistory(ctx, run.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	// Advance durable sleeps before replaying the function: a due sleep
	// completes (turning it into a memo hit below), an unelapsed one parks
	// the run again without entering user code.
	for i := range history {
		attempt := &history[i]
		if attempt.Kind != backend.StepKindSleep || attempt.Status != backend.StepStatusRunning {
			continue
		}
		sc, err := backend.ParseSleepContext(attempt.Context)
		if err != nil {
			// The stored context is unreadable; the run can never wake
			// correctly, which makes this terminal.
			logger.Error("sleep attempt has a corrupt context", log.Error(err),
				log.String(log.StepNameKey, attempt.StepName))
			return e.failRun(ctx, span, logger, run, workerID, backend.NewErrorEnvelope(err))
		}
		if e.now().Before(sc.ResumeAt) {
			logger.Debug("sleep not yet due; parking run",
				log.String(log.StepNameKey, attempt.StepName),
				log.String("resume_at", sc.ResumeAt.Format(time.RFC3339)))
			return e.sleepRun(ctx, span, logger, run, workerID, sc.ResumeAt)
		}
		done, err := e.store.CompleteStepAttempt(ctx, run.ID, attempt.ID, workerID, []byte("null"))
		if err != nil {
			if errors.IsGuardMismatch(err) {
				return e.leaseLost(span, logger, err), nil
			}
			span.SetStatus(codes.Error, err.Error())
			return Outcome{}, err
		}
		history[i] = *done
		logger.Debug("sleep attempt completed on wake",
			log.String(log.StepNameKey, attempt.StepName))
	}

	step := &Step{
		store:     e.store,
		runID:     run.ID,
		workerID:  workerID,
		logger:    logger,
		tracer:    e.tracer,
		now:       e.now,
		completed: make(map[string]*backend.StepAttempt),
		failed:    make(map[string]int),
		running:   make(map[string]*backend.StepAttempt),
	}
	for i := range history {
		attempt := &history[i]
		switch attempt.Status {
		case backend.StepStatusCompleted:
			step.completed[attempt.StepName] = attempt
		case backend.StepStatusFailed:
			step.failed[attempt.StepName]++
		case backend.StepStatusRunning:
			step.running[attempt.StepName] = attempt
		}
	}

	invocation := &Run{
		ID:      run.ID,
		Name:    run.WorkflowName,
		Version: stringValue(run.Version),
		Input:   run.Input,
		Step:    step,
	}

	output, fnErr := e.invokeWorkflow(ctx, def, invocation)

	if fnErr == nil {
		raw, err := marshalJSON(output)
		if err != nil {
			// The function succeeded but its result cannot be stored;
			// treat it like any other workflow-level failure.
			return e.failRun(ctx, span, logger, run, workerID, envelopeFor(err))
		}
		return e.completeRun(ctx, span, logger, run, workerID, raw)
	}

	var sleep *SleepSignal
	if errors.As(fnErr, &sleep) {
		return e.sleepRun(ctx, span, logger, run, workerID, sleep.ResumeAt)
	}

	var stepErr *StepError
	if errors.As(fnErr, &stepErr) {
		return e.resolveStepFailure(ctx, span, logger, run, workerID, stepErr)
	}

	if errors.IsGuardMismatch(fnErr) {
		return e.leaseLost(span, logger, fnErr), nil
	}

	// Everything else is a workflow-level failure: an error returned
	// outside any step, or a panic that unwound past the step recovery.
	logger.Warn("workflow function failed outside a step", log.Error(fnErr))
	return e.failRun(ctx, span, logger, run, workerID, envelopeFor(fnErr))
}

// resolveStepFailure applies the step's retry policy: terminal failure when
// the policy is exhausted or the backoff would cross the run's deadline,
// otherwise a reschedule after backoff.
func (e *Engine) resolveStepFailure(ctx context.Context, span trace.Span, logger *slog.Logger, run *backend.WorkflowRun, workerID string, stepErr *StepError) (Outcome, error) {
	if stepErr.Retry.Exhausted(stepErr.FailedAttempts) {
		logger.Warn("step retries exhausted",
			log.String(log.StepNameKey, stepErr.StepName),
			log.Int("failed_attempts", stepErr.FailedAttempts))
		return e.failRun(ctx, span, logger, run, workerID, stepErr.Envelope)
	}

	delay := stepErr.Retry.Delay(stepErr.FailedAttempts)
	retryAt := e.now().Add(delay)

	if run.DeadlineAt != nil && !retryAt.Before(*run.DeadlineAt) {
		logger.Warn("retry would cross the run deadline",
			log.String(log.StepNameKey, stepErr.StepName),
			log.Duration("backoff", delay.Milliseconds()))
		return e.failRun(ctx, span, logger, run, workerID, stepErr.Envelope)
	}

	if _, err := e.store.RescheduleWorkflowRun(ctx, run.ID, workerID, retryAt, stepErr.Envelope); err != nil {
		if errors.IsGuardMismatch(err) {
			return e.leaseLost(span, logger, err), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	logger.Info("run rescheduled after step failure",
		log.String(log.StepNameKey, stepErr.StepName),
		log.Int("failed_attempts", stepErr.FailedAttempts),
		log.Duration("backoff", delay.Milliseconds()),
		log.String("retry_at", retryAt.Format(time.RFC3339)))

	return Outcome{Kind: OutcomeRescheduled, RetryAt: retryAt, Error: stepErr.Envelope}, nil
}

// invokeWorkflow runs the workflow function, converting a panic into an
// error carrying the goroutine stack.
func (e *Engine) invokeWorkflow(ctx context.Context, def *Definition, run *Run) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return def.fn(ctx, run)
}

// loadHistory pages through the run's attempt history, oldest first.
func (e *Engine) loadHistory(ctx context.Context, runID string) ([]backend.StepAttempt, error) {
	var history []backend.StepAttempt
	page := backend.Pagination{Limit: historyPageLimit}
	for {
		res, err := e.store.ListStepAttempts(ctx, runID, page)
		if err != nil {
			return nil, err
		}
		history = append(history, res.Items...)
		if !res.HasNext {
			return history, nil
		}
		page.After = res.Next
	}
}

func (e *Engine) completeRun(ctx context.Context, span trace.Span, logger *slog.Logger, run *backend.WorkflowRun, workerID string, output []byte) (Outcome, error) {
	if _, err := e.store.CompleteWorkflowRun(ctx, run.ID, workerID, output); err != nil {
		if errors.IsGuardMismatch(err) {
			return e.leaseLost(span, logger, err), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	logger.Info("run completed")
	span.SetStatus(codes.Ok, "")
	return Outcome{Kind: OutcomeCompleted, Output: output}, nil
}

func (e *Engine) sleepRun(ctx context.Context, span trace.Span, logger *slog.Logger, run *backend.WorkflowRun, workerID string, resumeAt time.Time) (Outcome, error) {
	if _, err := e.store.SleepWorkflowRun(ctx, run.ID, workerID, resumeAt); err != nil {
		if errors.IsGuardMismatch(err) {
			return e.leaseLost(span, logger, err), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	span.SetStatus(codes.Ok, "")
	return Outcome{Kind: OutcomeSleeping, ResumeAt: resumeAt}, nil
}

func (e *Engine) failRun(ctx context.Context, span trace.Span, logger *slog.Logger, run *backend.WorkflowRun, workerID string, envelope *backend.ErrorEnvelope) (Outcome, error) {
	if _, err := e.store.FailWorkflowRun(ctx, run.ID, workerID, envelope); err != nil {
		if errors.IsGuardMismatch(err) {
			return e.leaseLost(span, logger, err), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	logger.Warn("run failed", log.String("error_message", envelope.Message))
	span.SetStatus(codes.Error, envelope.Message)
	return Outcome{Kind: OutcomeFailed, Error: envelope}, nil
}

// leaseLost resolves a pass whose guarded write found the run gone: the
// lease expired and was reclaimed, or the run was canceled. Nothing more
// may be written; the rightful owner carries on.
func (e *Engine) leaseLost(span trace.Span, logger *slog.Logger, err error) Outcome {
	logger.Info("lease lost mid-pass; abandoning", log.Error(err))
	span.SetStatus(codes.Error, "lease lost")
	return Outcome{Kind: OutcomeLeaseLost}
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
