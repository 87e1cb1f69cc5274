// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package dispatch is the submit/cancel/status surface between the CLI and
// the engine: it mints runs, seeds their artifact directories and first
// job, cancels runs cooperatively, and aggregates queue rows with handoff
// state into status views.
package dispatch

import (
	"context"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/forge/handoff"
	"github.com/hashicorp/forge/lib/ids"
	"github.com/hashicorp/forge/queue"
	"github.com/hashicorp/forge/rundir"
	"github.com/hashicorp/forge/structs"
)

// NoWorkerWarning is returned by Submit when the queue shows no sign of a
// live worker; the CLI surfaces it to the user.
const NoWorkerWarning = "no active worker detected; start one with 'forge worker'"

// Dispatcher owns submission, cancellation and status reads.
type Dispatcher struct {
	store  *queue.Store
	runs   *rundir.Store
	logger hclog.Logger
}

// New builds a Dispatcher over the queue store and run directory tree.
func New(store *queue.Store, runs *rundir.Store, logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.Default()
	}
	return &Dispatcher{
		store:  store,
		runs:   runs,
		logger: logger.Named("dispatch"),
	}
}

// SubmitRequest describes a new run.
type SubmitRequest struct {
	Task          string
	RepoURL       string
	BaseBranch    string
	KeepWorkspace bool

	// MaxIterations caps review-rejection loops; 0 means the default (3).
	MaxIterations int
}

// taskDocument is the task.json artifact.
type taskDocument struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	RepoURL   string `json:"repoUrl"`
	CreatedAt string `json:"createdAt"`
}

// Submit creates the run directory, writes task.json and the queued
// handoff, and enqueues the plan job. The returned warning is non-empty
// when no worker appears to be alive.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, string, error) {
	if req.Task == "" {
		return "", "", fmt.Errorf("task description is required")
	}
	if req.RepoURL == "" {
		return "", "", fmt.Errorf("repository url is required")
	}

	runID := ids.NewULID()
	now := structs.FormatTime(time.Now())

	if err := d.runs.EnsureRun(runID); err != nil {
		return "", "", err
	}
	if err := d.runs.WriteArtifact(runID, rundir.TaskFile, taskDocument{
		ID:        runID,
		Prompt:    req.Task,
		RepoURL:   req.RepoURL,
		CreatedAt: now,
	}); err != nil {
		return "", "", err
	}

	h := handoff.CreateQueued(handoff.CreateParams{
		RunID:         runID,
		CreatedAt:     now,
		Prompt:        req.Task,
		RepoURL:       req.RepoURL,
		BaseBranch:    req.BaseBranch,
		KeepWorkspace: req.KeepWorkspace,
		MaxIterations: req.MaxIterations,
		Next: &handoff.Next{
			Agent:          "planner",
			InputArtifacts: []string{rundir.TaskFile},
			Instructions:   []string{},
		},
		Artifacts: map[string]string{
			"plan":        rundir.PlanFile,
			"implementor": rundir.ImplementorFile,
			"review":      rundir.ReviewFile,
			"test":        rundir.TestFile,
			"pr":          rundir.PRDraftFile,
		},
	})
	if err := d.runs.WriteHandoff(runID, h); err != nil {
		return "", "", err
	}

	if _, err := d.store.Enqueue(ctx, runID, structs.PhasePlan); err != nil {
		return "", "", err
	}
	d.logger.Info("submitted run", "run_id", runID, "repo", req.RepoURL)

	warn := ""
	stats, err := d.store.Stats(ctx)
	if err != nil {
		// stats are advisory; the run is already submitted
		d.logger.Warn("could not read queue stats", "error", err)
	} else if stats.Queued > 0 && stats.InProgress == 0 && stats.LeaseCount == 0 {
		warn = NoWorkerWarning
	}

	return runID, warn, nil
}

// Cancel marks every non-terminal job of the run cancelled, drops its lease
// unconditionally, and rewrites the handoff as cancelled. A worker that is
// mid-phase observes the cancelled handoff at its next read and aborts.
// Idempotent; a missing handoff is not an error.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	if _, err := d.store.CancelRun(ctx, runID); err != nil {
		return err
	}
	if err := d.store.ForceReleaseLease(ctx, runID); err != nil {
		return err
	}

	if !d.runs.HasHandoff(runID) {
		return nil
	}
	h, err := d.runs.ReadHandoff(runID)
	if err != nil {
		return err
	}
	if h.Cancelled() {
		return nil
	}

	nh, err := handoff.Update(h, handoff.Change{
		Phase:     h.State.Phase,
		Status:    handoff.StatusCancelled,
		EndedAt:   structs.FormatTime(time.Now()),
		ClearNext: true,
		Note:      structs.CancelledNote,
	})
	if err != nil {
		return err
	}
	if err := d.runs.WriteHandoff(runID, nh); err != nil {
		return err
	}

	d.logger.Info("cancelled run", "run_id", runID)
	return nil
}
