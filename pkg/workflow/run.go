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
)

// Run is the execution-time view of a workflow run handed to the workflow
// function. It is rebuilt for every execution pass.
type Run struct {
	// ID identifies the run in the backend.
	ID string

	// Name and Version echo the registration the run selected. Version is
	// empty for the unversioned registration.
	Name    string
	Version string

	// Input is the blob supplied when the run was enqueued.
	Input json.RawMessage

	// Step performs durable work on behalf of the run. Each named step
	// executes at most once per run; replays return the memoized output.
	Step *Step
}

// WorkflowFunc is the body of a workflow. The engine invokes it once per
// execution pass; completed steps short-circuit from the memo, so the code
// between steps must be deterministic with respect to the run's input and
// step outputs.
//
// The returned value is JSON-encoded and stored as the run's output; nil
// stores JSON null. Returning a *SleepSignal or *StepError (typically by
// passing through the error from run.Step) defers or retries the run
// instead of failing it.
type WorkflowFunc func(ctx context.Context, run *Run) (any, error)
