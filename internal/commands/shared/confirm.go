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
	"os"

	"github.com/AlecAivazis/survey/v2"
	"golang.org/x/term"
)

// Confirm asks a yes/no question. assumeYes (the --yes flag)
// short-circuits to true; non-interactive contexts refuse instead of
// hanging on a prompt nobody will answer.
func Confirm(message string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if IsNonInteractive() {
		return false, &ExitError{
			Code:    ExitFailure,
			Message: "confirmation required but session is non-interactive; pass --yes to proceed",
		}
	}

	var result bool
	prompt := &survey.Confirm{
		Message: message,
		Default: false,
	}
	if err := survey.AskOne(prompt, &result); err != nil {
		return false, err
	}
	return result, nil
}

// IsNonInteractive reports whether prompting would hang or misbehave:
// an explicit OPENWORKFLOW_NON_INTERACTIVE=true, a CI environment, or a
// stdin that is not a terminal.
func IsNonInteractive() bool {
	if os.Getenv("OPENWORKFLOW_NON_INTERACTIVE") == "true" {
		return true
	}
	if isCIEnvironment() {
		return true
	}
	return !term.IsTerminal(int(os.Stdin.Fd()))
}

func isCIEnvironment() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI"}
	for _, envVar := range ciVars {
		value := os.Getenv(envVar)
		if value == "true" || value == "1" {
			return true
		}
	}
	// Jenkins sets JENKINS_HOME to a path rather than a boolean.
	return os.Getenv("JENKINS_HOME") != ""
}
