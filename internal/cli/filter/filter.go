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

// Package filter evaluates `runs list --filter` expressions. One run is
// one environment; the expression must reduce to a boolean.
package filter

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/openworkflow/pkg/backend"
	owerrors "github.com/tombee/openworkflow/pkg/errors"
)

// Filter is a compiled row predicate.
//
// The environment exposed per run:
//
//	id, workflow, version, status, worker_id, idempotency_key  (strings)
//	attempts                                                   (int)
//	created_at, updated_at                                     (time.Time)
//	started_at, finished_at, available_at, deadline_at         (time.Time, zero when unset)
//	failed                                                     (bool, terminal failure)
//
// Example: --filter 'status == "failed" && attempts > 3'
type Filter struct {
	source  string
	program *vm.Program
}

// Compile compiles and type-checks the expression. Misspelled fields and
// non-boolean results are rejected here, not per row.
func Compile(expression string) (*Filter, error) {
	program, err := expr.Compile(expression,
		expr.Env(runEnv(&backend.WorkflowRun{})),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &owerrors.ValidationError{
			Field:      "filter",
			Message:    fmt.Sprintf("failed to compile expression: %s", err),
			Suggestion: `expressions look like: status == "failed" && attempts > 3`,
		}
	}
	return &Filter{source: expression, program: program}, nil
}

// Match evaluates the predicate against one run.
func (f *Filter) Match(run *backend.WorkflowRun) (bool, error) {
	result, err := expr.Run(f.program, runEnv(run))
	if err != nil {
		return false, &owerrors.ValidationError{
			Field:   "filter",
			Message: fmt.Sprintf("expression %q failed: %s", f.source, err),
		}
	}
	matched, ok := result.(bool)
	if !ok {
		return false, &owerrors.ValidationError{
			Field:   "filter",
			Message: fmt.Sprintf("expression must return a boolean, got %T", result),
		}
	}
	return matched, nil
}

func runEnv(run *backend.WorkflowRun) map[string]any {
	return map[string]any{
		"id":              run.ID,
		"workflow":        run.WorkflowName,
		"version":         strOrEmpty(run.Version),
		"status":          string(run.Status),
		"worker_id":       strOrEmpty(run.WorkerID),
		"idempotency_key": strOrEmpty(run.IdempotencyKey),
		"attempts":        run.Attempts,
		"created_at":      run.CreatedAt,
		"updated_at":      run.UpdatedAt,
		"started_at":      timeOrZero(run.StartedAt),
		"finished_at":     timeOrZero(run.FinishedAt),
		"available_at":    timeOrZero(run.AvailableAt),
		"deadline_at":     timeOrZero(run.DeadlineAt),
		"failed":          run.Status == backend.StatusFailed,
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
