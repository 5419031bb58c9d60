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
	"strings"
	"testing"
	"time"

	"github.com/tombee/openworkflow/pkg/errors"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"pending", StatusPending},
		{"running", StatusRunning},
		{"sleeping", StatusSleeping},
		{"completed", StatusCompleted},
		{"failed", StatusFailed},
		{"canceled", StatusCanceled},
		{"succeeded", StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if err != nil {
				t.Fatalf("ParseStatus(%q) returned error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseStatus("paused"); err == nil {
		t.Error("ParseStatus should reject unknown statuses")
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCanceled}
	live := []Status{StatusPending, StatusRunning, StatusSleeping}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Claimable() {
			t.Errorf("%s should not be claimable", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.Claimable() {
			t.Errorf("%s should be claimable", s)
		}
	}
}

func TestParseStepStatus(t *testing.T) {
	got, err := ParseStepStatus("succeeded")
	if err != nil {
		t.Fatalf("ParseStepStatus(succeeded) returned error: %v", err)
	}
	if got != StepStatusCompleted {
		t.Errorf("legacy alias should normalize to completed, got %q", got)
	}

	if _, err := ParseStepStatus("sleeping"); err == nil {
		t.Error("ParseStepStatus should reject workflow-only statuses")
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	envelope := NewErrorEnvelope(errors.New("x"))
	if envelope.Message != "x" {
		t.Errorf("Message = %q, want %q", envelope.Message, "x")
	}
	if envelope.Name == "" {
		t.Error("Name should record the error's dynamic type")
	}

	envelope = NewErrorEnvelope(nil)
	if envelope.Message != "<nil>" {
		t.Errorf("nil error should serialize to %q, got %q", "<nil>", envelope.Message)
	}
}

func TestEnvelopeFromPanic(t *testing.T) {
	stack := []byte("goroutine 1 [running]:\nmain.main()")

	envelope := EnvelopeFromPanic(42, stack)
	if envelope.Message != "42" {
		t.Errorf("non-error panic value should stringify, got %q", envelope.Message)
	}
	if envelope.Stack == "" {
		t.Error("panic envelope should carry the captured stack")
	}

	envelope = EnvelopeFromPanic(errors.New("boom"), stack)
	if envelope.Message != "boom" || envelope.Name == "" {
		t.Errorf("error panic value should serialize as an error, got %+v", envelope)
	}
}

func TestErrorEnvelope_JSON(t *testing.T) {
	envelope := &ErrorEnvelope{Message: DeadlineExceededMessage}
	blob := envelope.JSON()
	if !strings.Contains(blob, `"message":"Workflow run deadline exceeded"`) {
		t.Errorf("JSON() = %s", blob)
	}

	var back ErrorEnvelope
	if err := json.Unmarshal([]byte(blob), &back); err != nil {
		t.Fatalf("JSON() output should round-trip: %v", err)
	}
	if back.Message != envelope.Message {
		t.Errorf("round-tripped message = %q, want %q", back.Message, envelope.Message)
	}
}

func TestSleepContextRoundTrip(t *testing.T) {
	resumeAt := time.Now().Add(500 * time.Millisecond)
	sc := NewSleepContext(resumeAt)

	blob, err := json.Marshal(sc)
	if err != nil {
		t.Fatalf("marshaling sleep context: %v", err)
	}

	parsed, err := ParseSleepContext(blob)
	if err != nil {
		t.Fatalf("ParseSleepContext returned error: %v", err)
	}
	if !parsed.ResumeAt.Equal(resumeAt.Truncate(time.Millisecond)) {
		t.Errorf("ResumeAt = %v, want %v", parsed.ResumeAt, resumeAt.Truncate(time.Millisecond))
	}
}

func TestParseSleepContext_Rejects(t *testing.T) {
	cases := map[string]string{
		"wrong kind":   `{"kind":"function","resumeAt":"2026-01-02T15:04:05Z"}`,
		"missing wake": `{"kind":"sleep"}`,
		"not json":     `resume later`,
	}

	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSleepContext(json.RawMessage(blob)); err == nil {
				t.Errorf("ParseSleepContext(%s) should fail", blob)
			}
		})
	}
}

func TestCreateWorkflowRunParams_Validate(t *testing.T) {
	params := CreateWorkflowRunParams{}
	if err := params.Validate(); err == nil {
		t.Error("empty params should fail validation")
	}

	empty := ""
	params = CreateWorkflowRunParams{WorkflowName: "greeting", Version: &empty}
	if err := params.Validate(); err == nil {
		t.Error("empty version should fail validation")
	}

	params = CreateWorkflowRunParams{WorkflowName: "greeting"}
	if err := params.Validate(); err != nil {
		t.Errorf("minimal params should validate, got %v", err)
	}
}

func TestCreateStepAttemptParams_Validate(t *testing.T) {
	valid := CreateStepAttemptParams{
		WorkflowRunID: "run-1",
		WorkerID:      "worker-1",
		StepName:      "charge-card",
		Kind:          StepKindFunction,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid params should pass, got %v", err)
	}

	for name, mutate := range map[string]func(*CreateStepAttemptParams){
		"missing run":    func(p *CreateStepAttemptParams) { p.WorkflowRunID = "" },
		"missing worker": func(p *CreateStepAttemptParams) { p.WorkerID = "" },
		"missing step":   func(p *CreateStepAttemptParams) { p.StepName = "" },
		"bad kind":       func(p *CreateStepAttemptParams) { p.Kind = "timer" },
	} {
		t.Run(name, func(t *testing.T) {
			params := valid
			mutate(&params)
			if err := params.Validate(); err == nil {
				t.Error("params should fail validation")
			}
		})
	}
}
