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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow run", "step attempt")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// GuardMismatchError reports a guarded store write whose WHERE clause matched
// no row: the caller no longer owns the run (lease expired and was reclaimed,
// the run was canceled, or it reached a terminal state underneath the worker).
//
// The engine treats this as lease-lost and abandons the current execution
// pass without writing any terminal state.
type GuardMismatchError struct {
	// Op is the store operation whose guard failed (e.g., "complete workflow run")
	Op string

	// RunID identifies the workflow run the write targeted
	RunID string

	// WorkerID is the caller that believed it held the lease
	WorkerID string
}

// Error implements the error interface.
func (e *GuardMismatchError) Error() string {
	return fmt.Sprintf("%s rejected for run %s: worker %s no longer holds the lease", e.Op, e.RunID, e.WorkerID)
}

// TerminalStateError reports an operation attempted against a run that has
// already reached a terminal status (completed, failed, or canceled).
type TerminalStateError struct {
	// RunID identifies the workflow run
	RunID string

	// Status is the terminal status the run is in
	Status string
}

// Error implements the error interface.
func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("workflow run %s is already %s", e.RunID, e.Status)
}

// NotRegisteredError reports a claimed run whose (workflow name, version)
// pair has no implementation in the worker's registry.
type NotRegisteredError struct {
	// Workflow is the workflow name the run references
	Workflow string

	// Version is the requested version; empty means unversioned
	Version string
}

// Error implements the error interface.
func (e *NotRegisteredError) Error() string {
	version := e.Version
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("Workflow %q (version: %s) is not registered", e.Workflow, version)
}

// CanceledError reports that a workflow run was canceled before it produced
// a result. Result waiters receive this instead of an output.
type CanceledError struct {
	// Workflow is the workflow name, when known
	Workflow string

	// RunID identifies the canceled run
	RunID string
}

// Error implements the error interface.
func (e *CanceledError) Error() string {
	if e.Workflow != "" {
		return fmt.Sprintf("workflow %s run %s was canceled", e.Workflow, e.RunID)
	}
	return fmt.Sprintf("workflow run %s was canceled", e.RunID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "backend.dsn", "worker.concurrency")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "workflow run result", "backend migration")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
