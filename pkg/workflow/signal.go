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
	"fmt"
	"time"

	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// SleepSignal unwinds an execution pass when the workflow function reaches
// a durable sleep whose wake time has not arrived. Step.Sleep returns it;
// the workflow function should pass it up unchanged so the engine can park
// the run until ResumeAt.
type SleepSignal struct {
	// StepName is the sleep step that raised the signal.
	StepName string

	// ResumeAt is when the run becomes claimable again.
	ResumeAt time.Time
}

// Error implements the error interface.
func (s *SleepSignal) Error() string {
	return fmt.Sprintf("workflow sleeping at step %q until %s", s.StepName, s.ResumeAt.Format(time.RFC3339))
}

// StepError wraps one failed try of a step. Step.Run returns it after
// recording the failed attempt; the workflow function should pass it up
// unchanged so the engine can apply the step's retry policy.
type StepError struct {
	// StepName is the step that failed.
	StepName string

	// FailedAttempts counts this run's failures of the step, this one
	// included.
	FailedAttempts int

	// Retry is the effective policy (defaults merged with the step's
	// override) the engine consults for backoff.
	Retry RetryPolicy

	// Envelope is the serialized error recorded on the attempt.
	Envelope *backend.ErrorEnvelope

	// Cause is the error the step body returned or panicked with.
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed (attempt %d): %v", e.StepName, e.FailedAttempts, e.Cause)
}

// Unwrap exposes the step body's error to errors.Is/As.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// panicError carries a recovered panic value and its stack through the
// normal error path so it serializes with the goroutine trace intact.
type panicError struct {
	value any
	stack []byte
}

// Error implements the error interface.
func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// envelopeFor serializes err for storage, preserving the stack when the
// error originated in a recovered panic.
func envelopeFor(err error) *backend.ErrorEnvelope {
	var pe *panicError
	if errors.As(err, &pe) {
		return backend.EnvelopeFromPanic(pe.value, pe.stack)
	}
	return backend.NewErrorEnvelope(err)
}
