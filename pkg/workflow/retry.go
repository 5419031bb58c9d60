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
	"encoding/json"
	"math"
	"time"

	"github.com/tombee/openworkflow/pkg/duration"
)

// RetryPolicy controls how a failed step is retried. The run returns to
// pending with an exponentially growing delay between attempts:
//
//	delay(n) = min(InitialInterval × Coefficient^(n−1), MaxInterval)
//
// where n is the number of failed attempts so far.
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the backoff growth.
	MaxInterval time.Duration

	// Coefficient multiplies the delay after each failure.
	Coefficient float64

	// MaxAttempts bounds the total tries of one step; 0 means unlimited.
	MaxAttempts int
}

// DefaultRetryPolicy is applied where a step declares no override: retry
// forever, starting at one second and doubling up to 100 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     100 * time.Second,
		Coefficient:     2.0,
		MaxAttempts:     0,
	}
}

// Merge overlays the set fields of override onto p. Zero fields keep p's
// value, so a partial override inherits the rest of the policy.
func (p RetryPolicy) Merge(override *RetryPolicy) RetryPolicy {
	if override == nil {
		return p
	}
	merged := p
	if override.InitialInterval > 0 {
		merged.InitialInterval = override.InitialInterval
	}
	if override.MaxInterval > 0 {
		merged.MaxInterval = override.MaxInterval
	}
	if override.Coefficient > 0 {
		merged.Coefficient = override.Coefficient
	}
	if override.MaxAttempts > 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	return merged
}

// Delay returns the backoff before the next try after failedAttempts
// failures of the same step.
func (p RetryPolicy) Delay(failedAttempts int) time.Duration {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Coefficient, float64(failedAttempts-1))
	if capped := float64(p.MaxInterval); p.MaxInterval > 0 && delay > capped {
		delay = capped
	}
	// Large exponents overflow float64 before the cap applies.
	if delay < 0 || math.IsNaN(delay) || math.IsInf(delay, 0) {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

// Exhausted reports whether the policy allows no further tries after
// failedAttempts failures.
func (p RetryPolicy) Exhausted(failedAttempts int) bool {
	return p.MaxAttempts > 0 && failedAttempts >= p.MaxAttempts
}

// retryPolicyJSON is the wire form stored in step attempt config blobs.
// Intervals travel as duration expressions so the stored config reads the
// same way users write it.
type retryPolicyJSON struct {
	InitialInterval string  `json:"initialInterval,omitempty"`
	MaxInterval     string  `json:"maxInterval,omitempty"`
	Coefficient     float64 `json:"coefficient,omitempty"`
	MaxAttempts     int     `json:"maxAttempts,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	wire := retryPolicyJSON{
		Coefficient: p.Coefficient,
		MaxAttempts: p.MaxAttempts,
	}
	if p.InitialInterval != 0 {
		wire.InitialInterval = duration.Format(p.InitialInterval)
	}
	if p.MaxInterval != 0 {
		wire.MaxInterval = duration.Format(p.MaxInterval)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var wire retryPolicyJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := RetryPolicy{
		Coefficient: wire.Coefficient,
		MaxAttempts: wire.MaxAttempts,
	}
	if wire.InitialInterval != "" {
		d, err := duration.Parse(wire.InitialInterval)
		if err != nil {
			return err
		}
		out.InitialInterval = d
	}
	if wire.MaxInterval != "" {
		d, err := duration.Parse(wire.MaxInterval)
		if err != nil {
			return err
		}
		out.MaxInterval = d
	}
	*p = out
	return nil
}
