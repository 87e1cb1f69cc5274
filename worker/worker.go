// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker implements the long-lived loop that advances runs through
// the five-phase pipeline: recover stale state, claim one job, take the run
// lease, mark the handoff in-progress, execute the phase, persist the
// artifacts, enqueue the next phase and ack.
//
// A worker is internally single threaded; one job is in flight at a time.
// Concurrency comes from running many workers, in one process or many, all
// mediated by the queue store's transactions.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/hashicorp/forge/executor"
	"github.com/hashicorp/forge/gitws"
	"github.com/hashicorp/forge/handoff"
	"github.com/hashicorp/forge/helper"
	"github.com/hashicorp/forge/queue"
	"github.com/hashicorp/forge/rundir"
	"github.com/hashicorp/forge/structs"
)

// DefaultBranchPrefix prefixes the work branches created by the plan phase.
const DefaultBranchPrefix = "forge"

// Config wires a worker. Store, Runs, Git and Executors are required; every
// other field has a default.
type Config struct {
	// Owner is the worker's stable identity in the run_locks table. A UUID
	// is minted when empty.
	Owner string

	Store     *queue.Store
	Runs      *rundir.Store
	Git       *gitws.Workspace
	Executors executor.Set

	Logger hclog.Logger

	PollInterval      time.Duration
	RequeueSleep      time.Duration
	HeartbeatInterval time.Duration

	MaxAttempts            int
	MaxPlanAttempts        int
	MaxImplementorAttempts int

	// BranchPrefix names work branches <prefix>/<slug>.
	BranchPrefix string
}

// Worker drives the claim/lease/execute/ack cycle.
type Worker struct {
	owner  string
	store  *queue.Store
	runs   *rundir.Store
	git    *gitws.Workspace
	execs  executor.Set
	logger hclog.Logger

	pollInterval      time.Duration
	requeueSleep      time.Duration
	heartbeatInterval time.Duration

	maxAttempts            int
	maxPlanAttempts        int
	maxImplementorAttempts int

	branchPrefix string
}

// New validates cfg, fills defaults, and returns a ready Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Runs == nil {
		return nil, fmt.Errorf("worker requires a queue store and a run directory store")
	}
	if cfg.Git == nil {
		return nil, fmt.Errorf("worker requires a git workspace")
	}
	if cfg.Executors.Planner == nil || cfg.Executors.Implementor == nil ||
		cfg.Executors.Reviewer == nil || cfg.Executors.Tester == nil {
		return nil, fmt.Errorf("worker requires all four phase executors")
	}

	owner := cfg.Owner
	if owner == "" {
		var err error
		owner, err = uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate worker id: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = structs.DefaultPollInterval
	}
	if cfg.RequeueSleep <= 0 {
		cfg.RequeueSleep = structs.DefaultRequeueSleep
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = structs.DefaultHeartbeatInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = structs.MaxAttempts
	}
	if cfg.MaxPlanAttempts <= 0 {
		cfg.MaxPlanAttempts = structs.MaxPlanAttempts
	}
	if cfg.MaxImplementorAttempts <= 0 {
		cfg.MaxImplementorAttempts = structs.MaxImplementorAttempts
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultBranchPrefix
	}

	return &Worker{
		owner:                  owner,
		store:                  cfg.Store,
		runs:                   cfg.Runs,
		git:                    cfg.Git,
		execs:                  cfg.Executors,
		logger:                 cfg.Logger.Named("worker").With("owner", owner[:8]),
		pollInterval:           cfg.PollInterval,
		requeueSleep:           cfg.RequeueSleep,
		heartbeatInterval:      cfg.HeartbeatInterval,
		maxAttempts:            cfg.MaxAttempts,
		maxPlanAttempts:        cfg.MaxPlanAttempts,
		maxImplementorAttempts: cfg.MaxImplementorAttempts,
		branchPrefix:           cfg.BranchPrefix,
	}, nil
}

// Owner returns the worker's lease identity.
func (w *Worker) Owner() string {
	return w.owner
}

// Run executes the worker cycle until ctx is cancelled. It returns nil on a
// clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.RunOnce(ctx)
	}
}

// RunOnce performs one iteration of the cycle: one recovery sweep and at
// most one claimed job. Transient store errors make
// the iteration a no-op: log, sleep a poll interval, try again.
func (w *Worker) RunOnce(ctx context.Context) {
	counts, err := w.store.RecoverStale(ctx)
	if err != nil {
		w.logger.Error("stale recovery failed", "error", err)
		w.sleep(ctx, w.pollInterval)
		return
	}
	if counts.RequeuedJobs > 0 || counts.ReleasedLeases > 0 {
		w.logger.Warn("recovered stale state",
			"requeued_jobs", counts.RequeuedJobs,
			"released_leases", counts.ReleasedLeases)
	}

	job, err := w.store.ClaimOne(ctx)
	if err != nil {
		w.logger.Error("claim failed", "error", err)
		w.sleep(ctx, w.pollInterval)
		return
	}
	if job == nil {
		w.sleep(ctx, w.pollInterval)
		return
	}

	logger := w.logger.With("job_id", job.ID, "run_id", job.RunID, "phase", job.Phase)

	// The claim pre-increments the attempt counter, so attempt=maxAttempts+1
	// means the job already had its tries.
	if job.Attempt > w.maxAttempts {
		logger.Error("job exceeded max attempts", "attempt", job.Attempt)
		if err := w.store.MarkFailed(ctx, job.ID, structs.ErrMaxAttempts.Error()); err != nil {
			logger.Error("failed to mark job failed", "error", err)
		}
		w.failHandoff(job.RunID, structs.ErrMaxAttempts.Error())
		return
	}

	ok, err := w.store.AcquireLease(ctx, job.RunID, w.owner)
	if err != nil {
		logger.Error("lease acquire failed", "error", err)
		if err := w.store.Requeue(ctx, job.ID); err != nil {
			logger.Error("failed to requeue job", "error", err)
		}
		w.sleep(ctx, w.pollInterval)
		return
	}
	if !ok {
		logger.Debug("lease denied, requeueing")
		if err := w.store.Requeue(ctx, job.ID); err != nil {
			logger.Error("failed to requeue job", "error", err)
		}
		w.sleep(ctx, w.requeueSleep)
		return
	}
	defer func() {
		if err := w.store.ReleaseLease(ctx, job.RunID, w.owner); err != nil {
			logger.Error("failed to release lease", "error", err)
		}
	}()

	h, err := w.runs.ReadHandoff(job.RunID)
	if err != nil {
		// could be a transient fs fault; let the attempt budget decide
		logger.Error("failed to read handoff", "error", err)
		if err := w.store.Requeue(ctx, job.ID); err != nil {
			logger.Error("failed to requeue job", "error", err)
		}
		w.sleep(ctx, w.pollInterval)
		return
	}
	if h.Cancelled() {
		logger.Info("run is cancelled, dropping job")
		if err := w.store.MarkFailed(ctx, job.ID, structs.ErrRunCancelled.Error()); err != nil {
			logger.Error("failed to mark job failed", "error", err)
		}
		return
	}
	if err := w.runs.WriteHandoff(job.RunID, handoff.Begin(h, job.Phase)); err != nil {
		logger.Error("failed to write in-progress handoff", "error", err)
		w.sleep(ctx, w.pollInterval)
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, job)
	defer stopHeartbeat()

	logger.Info("processing job", "attempt", job.Attempt)
	start := time.Now()
	err = w.processJob(ctx, job)
	metrics.MeasureSince([]string{"forge", "worker", string(job.Phase)}, start)

	if err == nil {
		metrics.IncrCounter([]string{"forge", "worker", "done"}, 1)
		if err := w.store.MarkDone(ctx, job.ID); err != nil {
			logger.Error("failed to ack job", "error", err)
		}
		logger.Info("job done", "elapsed", time.Since(start))
		return
	}

	metrics.IncrCounter([]string{"forge", "worker", "job_failed"}, 1)
	logger.Error("job failed", "error", err)
	if mErr := w.store.MarkFailed(ctx, job.ID, err.Error()); mErr != nil {
		logger.Error("failed to mark job failed", "error", mErr)
	}
	// A cancelled run keeps its cancelled handoff; everything else records
	// the failure on the document.
	if !structs.IsCancelled(err) {
		w.failHandoff(job.RunID, err.Error())
	}
}

// processJob dispatches to the phase handler.
func (w *Worker) processJob(ctx context.Context, job *structs.Job) error {
	switch job.Phase {
	case structs.PhasePlan:
		return w.runPlan(ctx, job)
	case structs.PhaseImplement:
		return w.runImplement(ctx, job)
	case structs.PhaseReview:
		return w.runReview(ctx, job)
	case structs.PhaseTest:
		return w.runTest(ctx, job)
	case structs.PhasePR:
		return w.runPR(ctx, job)
	default:
		return fmt.Errorf("unknown phase %q", job.Phase)
	}
}

// failHandoff records a terminal failure on the run's handoff, unless the
// handoff is missing or already cancelled.
func (w *Worker) failHandoff(runID, msg string) {
	if !w.runs.HasHandoff(runID) {
		return
	}
	h, err := w.runs.ReadHandoff(runID)
	if err != nil {
		w.logger.Error("failed to read handoff for failure", "run_id", runID, "error", err)
		return
	}
	if h.Cancelled() {
		return
	}
	nh, err := handoff.Update(h, handoff.Change{
		Phase:     h.State.Phase,
		Status:    handoff.StatusFailed,
		EndedAt:   structs.FormatTime(time.Now()),
		ClearNext: true,
		Note:      msg,
	})
	if err != nil {
		w.logger.Error("failed to build failed handoff", "run_id", runID, "error", err)
		return
	}
	if err := w.runs.WriteHandoff(runID, nh); err != nil {
		w.logger.Error("failed to write failed handoff", "run_id", runID, "error", err)
	}
}

// startHeartbeat keeps the claimed job and the run lease fresh while the
// phase executes. The returned stop function blocks until the goroutine
// exits, and must be called before the lease is released.
func (w *Worker) startHeartbeat(ctx context.Context, job *structs.Job) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.Touch(ctx, job.ID); err != nil {
					w.logger.Error("heartbeat touch failed", "job_id", job.ID, "error", err)
				}
				if err := w.store.TouchLease(ctx, job.RunID, w.owner); err != nil {
					w.logger.Error("heartbeat lease touch failed", "run_id", job.RunID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// sleep waits for d or until ctx is cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer, stop := helper.NewSafeTimer(d)
	defer stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
