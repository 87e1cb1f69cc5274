// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"fmt"

	"github.com/hashicorp/forge/handoff"
	"github.com/hashicorp/forge/structs"
)

// RunStatus is the detailed view of one run: the handoff's current state
// plus every queue row.
type RunStatus struct {
	RunID     string
	Phase     structs.Phase
	Status    handoff.Status
	Iteration int
	MaxIter   int
	Prompt    string
	RepoURL   string
	Branch    string
	CreatedAt string
	LastEntry *handoff.HistoryEntry
	Notes     []string
	Jobs      []structs.Job
}

// RunSummary is the one-line view used by run listings.
type RunSummary struct {
	RunID     string
	Phase     structs.Phase
	Status    handoff.Status
	Prompt    string
	CreatedAt string
}

// Status aggregates the handoff and queue rows of one run.
func (d *Dispatcher) Status(ctx context.Context, runID string) (*RunStatus, error) {
	if !d.runs.HasHandoff(runID) {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	h, err := d.runs.ReadHandoff(runID)
	if err != nil {
		return nil, err
	}
	jobs, err := d.store.JobsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	rs := &RunStatus{
		RunID:     runID,
		Phase:     h.State.Phase,
		Status:    h.State.Status,
		Iteration: h.State.Iteration,
		MaxIter:   h.State.MaxIterations,
		Prompt:    h.Task.Prompt,
		RepoURL:   h.Run.Repo.URL,
		Branch:    h.Run.Repo.Branch,
		CreatedAt: h.Run.CreatedAt,
		Notes:     h.Notes,
		Jobs:      jobs,
	}
	if n := len(h.State.History); n > 0 {
		entry := h.State.History[n-1]
		rs.LastEntry = &entry
	}
	return rs, nil
}

// List summarizes every run under the data root, oldest first.
func (d *Dispatcher) List(ctx context.Context) ([]RunSummary, error) {
	ids, err := d.runs.ListRuns()
	if err != nil {
		return nil, err
	}

	var out []RunSummary
	for _, id := range ids {
		if !d.runs.HasHandoff(id) {
			continue
		}
		h, err := d.runs.ReadHandoff(id)
		if err != nil {
			d.logger.Warn("skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		out = append(out, RunSummary{
			RunID:     id,
			Phase:     h.State.Phase,
			Status:    h.State.Status,
			Prompt:    h.Task.Prompt,
			CreatedAt: h.Run.CreatedAt,
		})
	}
	return out, nil
}
