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

package shared

import (
	"errors"
	"fmt"
	"os"

	owerrors "github.com/tombee/openworkflow/pkg/errors"
)

// Exit codes for the openworkflow CLI
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
	ExitNotFound      = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigExitError creates an error for configuration problems
func NewConfigExitError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// HandleExitError prints the error and exits with the appropriate code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)
	os.Exit(exitCode(err))
}

// exitCode maps typed errors to dedicated codes so scripts can branch
// on them.
func exitCode(err error) int {
	var exitErr *ExitError
	var notFound *owerrors.NotFoundError
	var cfgErr *owerrors.ConfigError
	var valErr *owerrors.ValidationError
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &notFound):
		return ExitNotFound
	case errors.As(err, &cfgErr), errors.As(err, &valErr):
		return ExitInvalidConfig
	}
	return ExitFailure
}

// printSuggestion surfaces the actionable hint a ValidationError carries.
func printSuggestion(err error) {
	var valErr *owerrors.ValidationError
	if errors.As(err, &valErr) && valErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", valErr.Suggestion)
	}
}
