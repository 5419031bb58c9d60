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
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/openworkflow/internal/log"
	"github.com/tombee/openworkflow/internal/metrics"
	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/duration"
	"github.com/tombee/openworkflow/pkg/errors"
)

// StepFunc is the body of one function step. Its return value is
// JSON-encoded and memoized; once the attempt completes, the function never
// runs again within its run.
type StepFunc func(ctx context.Context) (any, error)

// StepConfig declares one step invocation.
type StepConfig struct {
	// Name identifies the step within its run. Required. A completed
	// attempt under this name replays from the memo instead of executing.
	Name string

	// Retry overrides fields of DefaultRetryPolicy for this step.
	Retry *RetryPolicy
}

// Step is the handle a workflow function uses to perform durable work. The
// engine builds one per execution pass, seeded with the run's attempt
// history. It is not safe for concurrent use: the workflow function runs
// its steps linearly.
type Step struct {
	store    backend.Backend
	runID    string
	workerID string
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// completed memoizes terminal successes by step name.
	completed map[string]*backend.StepAttempt

	// failed tallies failed attempts by step name for retry decisions.
	failed map[string]int

	// running holds attempts an interrupted pass left behind. Re-executing
	// the same step adopts the row instead of inserting a second running
	// attempt for the name.
	running map[string]*backend.StepAttempt
}

// stepConfigJSON is the config blob stored on each attempt.
type stepConfigJSON struct {
	Name  string       `json:"name"`
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Run executes the named step at most once for the run. A completed
// attempt returns its stored output without invoking fn. Otherwise fn runs
// under a fresh running attempt: success memoizes the JSON-encoded return
// value, failure records the error and returns a *StepError carrying the
// step's retry policy for the engine.
//
// Panics inside fn are recovered, recorded with their stack, and treated
// as step failures.
func (s *Step) Run(ctx context.Context, cfg StepConfig, fn StepFunc) (json.RawMessage, error) {
	if cfg.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "step name is required"}
	}

	if memo, ok := s.completed[cfg.Name]; ok {
		s.logger.Debug("step replayed from memo", log.String(log.StepNameKey, cfg.Name))
		return memo.Output, nil
	}

	ctx, span := s.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("openworkflow.step_name", cfg.Name),
			attribute.String("openworkflow.step_kind", string(backend.StepKindFunction)),
		))
	defer span.End()

	attempt, _, err := s.begin(ctx, cfg.Name, backend.StepKindFunction, cfg.Retry, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	output, fnErr := invokeStep(ctx, fn)
	if fnErr == nil {
		raw, marshalErr := marshalJSON(output)
		if marshalErr == nil {
			done, err := s.store.CompleteStepAttempt(ctx, s.runID, attempt.ID, s.workerID, raw)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			s.completed[cfg.Name] = done
			metrics.RecordStepAttempt(string(backend.StepKindFunction), "completed")
			return done.Output, nil
		}
		fnErr = marshalErr
	}

	envelope := envelopeFor(fnErr)
	if _, err := s.store.FailStepAttempt(ctx, s.runID, attempt.ID, s.workerID, envelope); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.failed[cfg.Name]++
	metrics.RecordStepAttempt(string(backend.StepKindFunction), "failed")
	span.SetStatus(codes.Error, envelope.Message)

	s.logger.Warn("step failed",
		log.String(log.StepNameKey, cfg.Name),
		log.Int("failed_attempts", s.failed[cfg.Name]),
		log.Error(fnErr),
	)

	return nil, &StepError{
		StepName:       cfg.Name,
		FailedAttempts: s.failed[cfg.Name],
		Retry:          DefaultRetryPolicy().Merge(cfg.Retry),
		Envelope:       envelope,
		Cause:          fnErr,
	}
}

// Sleep parks the run for the given duration expression ("500ms", "5s",
// "2 weeks"; see package duration). A completed sleep replays as a no-op.
// Otherwise it records a running sleep attempt holding the wake time and
// returns a *SleepSignal the workflow function must pass up to the engine.
//
// A malformed expression is a validation error; nothing is written.
func (s *Step) Sleep(ctx context.Context, name, durationExpr string) error {
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "step name is required"}
	}

	if _, ok := s.completed[name]; ok {
		s.logger.Debug("sleep replayed from memo", log.String(log.StepNameKey, name))
		return nil
	}

	d, err := duration.Parse(durationExpr)
	if err != nil {
		return err
	}

	resumeAt := s.now().Add(d)
	blob, err := json.Marshal(backend.NewSleepContext(resumeAt))
	if err != nil {
		return fmt.Errorf("encoding sleep context: %w", err)
	}

	attempt, adopted, err := s.begin(ctx, name, backend.StepKindSleep, nil, blob)
	if err != nil {
		return err
	}
	if !adopted {
		metrics.RecordSleepScheduled()
	}

	// An adopted attempt keeps its original wake time.
	if sc, err := backend.ParseSleepContext(attempt.Context); err == nil {
		resumeAt = sc.ResumeAt
	}

	s.logger.Debug("sleep scheduled",
		log.String(log.StepNameKey, name),
		log.String("resume_at", resumeAt.Format(time.RFC3339)),
	)

	return &SleepSignal{StepName: name, ResumeAt: resumeAt}
}

// begin returns a running attempt for the step, adopting one left behind
// by an interrupted pass when present so a (run, step name) pair never
// accumulates two running attempts.
func (s *Step) begin(ctx context.Context, name string, kind backend.StepKind, retry *RetryPolicy, attemptContext json.RawMessage) (*backend.StepAttempt, bool, error) {
	if orphan, ok := s.running[name]; ok && orphan.Kind == kind {
		delete(s.running, name)
		return orphan, true, nil
	}

	config, err := json.Marshal(stepConfigJSON{Name: name, Retry: retry})
	if err != nil {
		return nil, false, fmt.Errorf("encoding step config: %w", err)
	}

	attempt, err := s.store.CreateStepAttempt(ctx, backend.CreateStepAttemptParams{
		WorkflowRunID: s.runID,
		WorkerID:      s.workerID,
		StepName:      name,
		Kind:          kind,
		Config:        config,
		Context:       attemptContext,
	})
	if err != nil {
		return nil, false, err
	}
	return attempt, false, nil
}

// RunAs is a typed wrapper over Step.Run: it decodes the step's JSON
// output (memoized or fresh) into T.
func RunAs[T any](ctx context.Context, step *Step, cfg StepConfig, fn StepFunc) (T, error) {
	var out T
	raw, err := step.Run(ctx, cfg, fn)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding output of step %q: %w", cfg.Name, err)
	}
	return out, nil
}

// invokeStep runs a step body, converting a panic into an error carrying
// the goroutine stack.
func invokeStep(ctx context.Context, fn StepFunc) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// marshalJSON normalizes a user value for storage: nil stores JSON null,
// json.RawMessage passes through after a validity check, everything else
// goes through encoding/json.
func marshalJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(raw) {
			return nil, &errors.ValidationError{
				Field:   "output",
				Message: "raw output is not valid JSON",
			}
		}
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return raw, nil
}
