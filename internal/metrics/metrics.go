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

// Package metrics exposes the engine's Prometheus collectors. Collectors
// register against the default registry at init time; the worker command
// serves them via promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// claims tracks claim attempts by result (claimed, empty, error)
	claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openworkflow_claims_total",
			Help: "Total workflow run claim attempts by result",
		},
		[]string{"result"},
	)

	// executions tracks finished execution passes by outcome
	executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openworkflow_executions_total",
			Help: "Total execution passes by outcome (completed, sleeping, rescheduled, failed, lease_lost)",
		},
		[]string{"outcome"},
	)

	// executionDuration tracks wall-clock time of one execution pass
	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openworkflow_execution_duration_seconds",
			Help:    "Duration of one execution pass by workflow name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	// executionsInFlight tracks currently executing runs in this process
	executionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "openworkflow_executions_in_flight",
			Help: "Number of workflow runs currently executing in this process",
		},
	)

	// stepAttempts tracks terminal step attempts by kind and result
	stepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openworkflow_step_attempts_total",
			Help: "Total step attempts reaching a terminal state by kind and result",
		},
		[]string{"kind", "result"},
	)

	// sleepsScheduled tracks durable sleeps entered
	sleepsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openworkflow_sleeps_scheduled_total",
			Help: "Total durable sleeps scheduled",
		},
	)

	// heartbeats tracks lease extensions by result (extended, lost, error)
	heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openworkflow_heartbeats_total",
			Help: "Total lease heartbeats by result",
		},
		[]string{"result"},
	)
)

// RecordClaim increments the claim counter.
func RecordClaim(result string) {
	claims.WithLabelValues(result).Inc()
}

// RecordExecution increments the execution outcome counter.
func RecordExecution(outcome string) {
	executions.WithLabelValues(outcome).Inc()
}

// ObserveExecutionDuration records the wall-clock time of one pass.
func ObserveExecutionDuration(workflow string, d time.Duration) {
	executionDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// ExecutionStarted increments the in-flight gauge.
func ExecutionStarted() {
	executionsInFlight.Inc()
}

// ExecutionFinished decrements the in-flight gauge.
func ExecutionFinished() {
	executionsInFlight.Dec()
}

// RecordStepAttempt increments the step attempt counter.
func RecordStepAttempt(kind, result string) {
	stepAttempts.WithLabelValues(kind, result).Inc()
}

// RecordSleepScheduled increments the scheduled sleep counter.
func RecordSleepScheduled() {
	sleepsScheduled.Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func RecordHeartbeat(result string) {
	heartbeats.WithLabelValues(result).Inc()
}
