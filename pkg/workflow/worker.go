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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/openworkflow/internal/log"
	"github.com/tombee/openworkflow/internal/metrics"
	"github.com/tombee/openworkflow/pkg/backend"
	"github.com/tombee/openworkflow/pkg/errors"
)

// Worker pool defaults.
const (
	DefaultConcurrency  = 10
	DefaultLease        = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// State is the lifecycle state of a worker pool.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// WorkerConfig configures a worker pool.
type WorkerConfig struct {
	// Concurrency is the number of runs executed in parallel. Each slot
	// claims under its own worker id. Default 10.
	Concurrency int

	// Lease is how long a claim holds off other workers. A heartbeat
	// extends it at half-lease intervals while a run executes. Default 30s.
	Lease time.Duration

	// PollInterval is the idle sleep between empty claim rounds.
	// Default 100ms.
	PollInterval time.Duration

	// Logger overrides the client's logger for this worker.
	Logger *slog.Logger
}

// Worker hosts the claim/execute loop: a fixed set of slots, each claiming
// runs under its own worker id and executing them through the engine.
// Workers on different machines coordinate purely through the backend.
type Worker struct {
	store    backend.Backend
	registry *Registry
	engine   *Engine
	logger   *slog.Logger

	concurrency  int
	lease        time.Duration
	pollInterval time.Duration

	// slots holds the worker ids not currently claiming or executing.
	// Slot ids are conserved: ids move between this channel and in-flight
	// work, so sends never block.
	slots chan string

	mu          sync.Mutex
	state       State
	claimCancel context.CancelFunc
	execCancel  context.CancelFunc
	pollDone    chan struct{}
	inFlight    sync.WaitGroup
}

// NewWorker builds a worker pool sharing this client's backend and
// registry. The worker executes only workflows registered on the client.
func (c *Client) NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency < 0 {
		return nil, &errors.ValidationError{Field: "concurrency", Message: "concurrency must be positive"}
	}
	if cfg.Lease < 0 {
		return nil, &errors.ValidationError{Field: "lease", Message: "lease must be positive"}
	}

	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	lease := cfg.Lease
	if lease == 0 {
		lease = DefaultLease
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = c.logger
	}

	slots := make(chan string, concurrency)
	for i := 0; i < concurrency; i++ {
		slots <- uuid.NewString()
	}

	return &Worker{
		store:        c.store,
		registry:     c.registry,
		engine:       NewEngine(c.store, logger),
		logger:       log.WithComponent(logger, "worker"),
		concurrency:  concurrency,
		lease:        lease,
		pollInterval: pollInterval,
		slots:        slots,
		state:        StateStopped,
	}, nil
}

// State returns the worker's lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the poll loop. It returns immediately; execution happens
// on background goroutines until Stop. Only a stopped worker can start.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.state != StateStopped {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker is %s; it can only start from stopped", state)
	}
	w.state = StateStarting

	claimCtx, claimCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())
	w.claimCancel = claimCancel
	w.execCancel = execCancel
	w.pollDone = make(chan struct{})
	w.mu.Unlock()

	go w.pollLoop(claimCtx, execCtx)

	w.mu.Lock()
	if w.state == StateStarting {
		w.state = StateRunning
	}
	w.mu.Unlock()

	w.logger.Info("worker started",
		log.Int("concurrency", w.concurrency),
		log.Duration("lease", w.lease.Milliseconds()),
	)
	return nil
}

// Stop halts claiming, waits for the poll loop to exit, then drains
// in-flight executions. If ctx expires first, the stragglers' store
// writes are canceled so their passes abandon; the runs' leases expire
// and other workers pick them up.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRunning && w.state != StateStarting {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker is %s; nothing to stop", state)
	}
	w.state = StateStopping
	claimCancel := w.claimCancel
	execCancel := w.execCancel
	pollDone := w.pollDone
	w.mu.Unlock()

	claimCancel()
	<-pollDone

	drained := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		execCancel()
	case <-ctx.Done():
		execCancel()
		err = ctx.Err()
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	w.logger.Info("worker stopped")
	return err
}

// pollLoop claims work for free slots until claimCtx is canceled. A round
// that claimed anything re-ticks immediately; idle and error rounds sleep
// for the poll interval.
func (w *Worker) pollLoop(claimCtx, execCtx context.Context) {
	defer close(w.pollDone)

	for {
		// Block until at least one slot is free, then take whatever else
		// is free right now.
		var first string
		select {
		case <-claimCtx.Done():
			return
		case first = <-w.slots:
		}

		slots := []string{first}
	drain:
		for len(slots) < w.concurrency {
			select {
			case id := <-w.slots:
				slots = append(slots, id)
			default:
				break drain
			}
		}

		claimed, err := w.claimRound(claimCtx, execCtx, slots)
		if claimCtx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("claim round failed", log.Error(err))
		}
		if claimed {
			continue
		}

		select {
		case <-claimCtx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

type claimResult struct {
	slot string
	run  *backend.WorkflowRun
	err  error
}

// claimRound fires one claim per free slot in parallel. Slots that claim a
// run move to background execution; the rest return to the free pool.
func (w *Worker) claimRound(claimCtx, execCtx context.Context, slots []string) (bool, error) {
	log.Trace(w.logger, "claim round", log.Int("slots", len(slots)))

	results := make(chan claimResult, len(slots))
	for _, slot := range slots {
		go func(slot string) {
			run, err := w.store.ClaimWorkflowRun(claimCtx, slot, w.lease)
			results <- claimResult{slot: slot, run: run, err: err}
		}(slot)
	}

	claimed := false
	var firstErr error
	for range slots {
		res := <-results
		switch {
		case res.err != nil:
			metrics.RecordClaim("error")
			w.slots <- res.slot
			if firstErr == nil && claimCtx.Err() == nil {
				firstErr = res.err
			}
		case res.run == nil:
			metrics.RecordClaim("empty")
			w.slots <- res.slot
		default:
			metrics.RecordClaim("claimed")
			claimed = true
			w.inFlight.Add(1)
			go w.execute(execCtx, res.slot, res.run)
		}
	}
	return claimed, firstErr
}

// execute runs one claimed run to the end of its execution pass, then
// returns the slot to the free pool.
func (w *Worker) execute(ctx context.Context, slot string, run *backend.WorkflowRun) {
	defer w.inFlight.Done()
	defer func() { w.slots <- slot }()

	metrics.ExecutionStarted()
	defer metrics.ExecutionFinished()

	logger := log.WithWorker(log.WithRun(w.logger, run.ID, run.WorkflowName), slot)
	logger.Debug("run claimed", log.Int("claim_attempts", run.Attempts))

	def, ok := w.registry.Lookup(run.WorkflowName, run.Version)
	if !ok {
		w.failUnregistered(ctx, logger, slot, run)
		return
	}

	heartbeatStop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.heartbeat(ctx, logger, run.ID, slot, heartbeatStop, heartbeatDone)

	start := time.Now()
	outcome, err := w.engine.Execute(ctx, run, def, slot)
	close(heartbeatStop)
	<-heartbeatDone

	metrics.ObserveExecutionDuration(run.WorkflowName, time.Since(start))

	if err != nil {
		// The pass could not be resolved (store trouble); the run's state
		// is whatever the last successful write left. Let the lease expire.
		metrics.RecordExecution("error")
		logger.Error("execution pass unresolved", log.Error(err))
		return
	}

	metrics.RecordExecution(string(outcome.Kind))
	logger.Debug("execution pass finished",
		log.String("outcome", string(outcome.Kind)),
		log.Duration("elapsed", time.Since(start).Milliseconds()),
	)
}

// failUnregistered records terminal failure for a run whose workflow has
// no implementation in this process.
func (w *Worker) failUnregistered(ctx context.Context, logger *slog.Logger, slot string, run *backend.WorkflowRun) {
	nrErr := &errors.NotRegisteredError{
		Workflow: run.WorkflowName,
		Version:  stringValue(run.Version),
	}
	logger.Error("claimed run has no registered implementation",
		log.String("registered", fmt.Sprintf("%v", w.registry.Names())))

	if _, err := w.store.FailWorkflowRun(ctx, run.ID, slot, backend.NewErrorEnvelope(nrErr)); err != nil && !errors.IsGuardMismatch(err) {
		logger.Error("recording unregistered-workflow failure", log.Error(err))
		metrics.RecordExecution("error")
		return
	}
	metrics.RecordExecution(string(OutcomeFailed))
}

// heartbeat extends the run's lease at half-lease intervals until stopped.
// Errors log and retry; a guard mismatch means the lease is gone, so the
// heartbeat quits and lets the engine discover the loss on its next write.
func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, runID, slot string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := w.lease / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.store.ExtendWorkflowRunLease(ctx, runID, slot, w.lease); err != nil {
				if errors.IsGuardMismatch(err) {
					metrics.RecordHeartbeat("lost")
					logger.Warn("lease lost; stopping heartbeat", log.Error(err))
					return
				}
				metrics.RecordHeartbeat("error")
				logger.Warn("lease heartbeat failed", log.Error(err))
				continue
			}
			metrics.RecordHeartbeat("extended")
			log.Trace(logger, "lease extended")
		}
	}
}
