package workflow

import (
	"encoding/json"
	"time"

	"github.com/tombee/openworkflow/pkg/backend"
)

// OutcomeKind discriminates how an execution pass resolved.
type OutcomeKind string

const (
	// OutcomeCompleted means the run reached terminal success.
	OutcomeCompleted OutcomeKind = "completed"

	// OutcomeSleeping means the run parked until a sleep's wake time.
	OutcomeSleeping OutcomeKind = "sleeping"

	// OutcomeRescheduled means a step failed and the run returned to
	// pending for a retry after backoff.
	OutcomeRescheduled OutcomeKind = "rescheduled"

	// OutcomeFailed means the run reached terminal failure.
	OutcomeFailed OutcomeKind = "failed"

	// OutcomeLeaseLost means a guarded write was rejected mid-pass: the
	// run was canceled or reclaimed underneath the worker. Nothing was
	// written; the pass simply stops.
	OutcomeLeaseLost OutcomeKind = "lease_lost"
)

// Outcome is the resolution of one execution pass. Exactly the fields of
// its Kind are populated.
type Outcome struct {
	Kind OutcomeKind

	// Output is the run's result for OutcomeCompleted.
	Output json.RawMessage

	// ResumeAt is the wake time for OutcomeSleeping.
	ResumeAt time.Time

	// RetryAt is the next claim-eligible time for OutcomeRescheduled.
	RetryAt time.Time

	// Error is the envelope recorded for OutcomeFailed and
	// OutcomeRescheduled.
	Error *backend.ErrorEnvelope
}

// String returns the kind for logging.
func (o Outcome) String() string {
	return string(o.Kind)
}
