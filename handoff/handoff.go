// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package handoff models the per-run handoff document: the JSON value that
// carries a run's authoritative phase, status, history and artifact pointers
// across phase boundaries. Everything here is a pure value transformation;
// file IO lives in the rundir package.
package handoff

import (
	"fmt"

	"github.com/hashicorp/forge/structs"
)

// Status is the run-level status stored in state.status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid returns whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns whether the status ends the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Decision is a reviewer verdict recorded in review.json.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionBlocked  Decision = "blocked"
)

// Repo locates the run's git workspace. Root and Branch stay empty until the
// plan phase clones the repository.
type Repo struct {
	Root       string `json:"root"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch"`
	URL        string `json:"url"`
}

// Run carries the run-scoped metadata the engine needs across phases.
type Run struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"createdAt"`
	Repo          Repo   `json:"repo"`
	KeepWorkspace bool   `json:"keepWorkspace"`
}

// Task is the submitted unit of intent.
type Task struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

// HistoryEntry records one completed phase transition.
type HistoryEntry struct {
	Phase    structs.Phase `json:"phase"`
	Status   Status        `json:"status"`
	EndedAt  string        `json:"endedAt"`
	Artifact string        `json:"artifact"`
}

// State is the run's progress: current phase and status, the review
// iteration budget, and the append-only transition history.
type State struct {
	Phase         structs.Phase  `json:"phase"`
	Status        Status         `json:"status"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"maxIterations"`
	History       []HistoryEntry `json:"history"`
}

// Constraints are plan-derived requirements the later phases honor.
type Constraints struct {
	RequireTestsForBehaviorChange bool   `json:"requireTestsForBehaviorChange"`
	TestCommand                   string `json:"testCommand,omitempty"`
	TestFramework                 string `json:"testFramework,omitempty"`
}

// Next points at the agent that should pick the run up, with its inputs.
// Absent on terminal documents.
type Next struct {
	Agent          string   `json:"agent"`
	InputArtifacts []string `json:"inputArtifacts"`
	Instructions   []string `json:"instructions"`
}

// Handoff is the full per-run document persisted as handoff.json.
type Handoff struct {
	Run         Run               `json:"run"`
	Task        Task              `json:"task"`
	State       State             `json:"state"`
	Artifacts   map[string]string `json:"artifacts"`
	Constraints *Constraints      `json:"constraints,omitempty"`
	Next        *Next             `json:"next,omitempty"`
	Notes       []string          `json:"notes"`
}

// Copy returns a deep copy of h. Update and AppendHistory go through Copy so
// callers never observe shared slices or maps.
func (h Handoff) Copy() Handoff {
	nh := h

	nh.State.History = make([]HistoryEntry, len(h.State.History))
	copy(nh.State.History, h.State.History)

	nh.Artifacts = make(map[string]string, len(h.Artifacts))
	for k, v := range h.Artifacts {
		nh.Artifacts[k] = v
	}

	nh.Notes = make([]string, len(h.Notes))
	copy(nh.Notes, h.Notes)

	if h.Constraints != nil {
		c := *h.Constraints
		nh.Constraints = &c
	}
	if h.Next != nil {
		nh.Next = h.Next.copy()
	}

	return nh
}

// copy deep-copies n. Empty lists stay non-nil so the document always
// round-trips with "inputArtifacts": [] rather than null; the validator
// rejects null lists.
func (n *Next) copy() *Next {
	nn := *n
	nn.InputArtifacts = make([]string, len(n.InputArtifacts))
	copy(nn.InputArtifacts, n.InputArtifacts)
	nn.Instructions = make([]string, len(n.Instructions))
	copy(nn.Instructions, n.Instructions)
	return &nn
}

// CreateParams seeds a fresh queued handoff.
type CreateParams struct {
	RunID         string
	CreatedAt     string
	Prompt        string
	RepoURL       string
	BaseBranch    string
	KeepWorkspace bool
	MaxIterations int
	Next          *Next
	Artifacts     map[string]string
}

// CreateQueued builds the initial handoff for a freshly submitted run: phase
// plan, status queued, iteration 1, empty history.
func CreateQueued(p CreateParams) Handoff {
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = structs.DefaultMaxIterations
	}

	artifacts := make(map[string]string, len(p.Artifacts))
	for k, v := range p.Artifacts {
		artifacts[k] = v
	}

	h := Handoff{
		Run: Run{
			ID:        p.RunID,
			CreatedAt: p.CreatedAt,
			Repo: Repo{
				BaseBranch: p.BaseBranch,
				URL:        p.RepoURL,
			},
			KeepWorkspace: p.KeepWorkspace,
		},
		Task: Task{
			ID:     p.RunID,
			Prompt: p.Prompt,
			Mode:   "code",
		},
		State: State{
			Phase:         structs.PhasePlan,
			Status:        StatusQueued,
			Iteration:     1,
			MaxIterations: maxIter,
			History:       []HistoryEntry{},
		},
		Artifacts: artifacts,
		Notes:     []string{},
	}
	if p.Next != nil {
		h.Next = p.Next.copy()
	}
	return h
}

// AppendHistory returns a copy of h with one more history entry. Insertion
// order is preserved; the receiver is never mutated.
func AppendHistory(h Handoff, entry HistoryEntry) Handoff {
	nh := h.Copy()
	nh.State.History = append(nh.State.History, entry)
	return nh
}

// Begin returns a copy of h marked in-progress for phase. No history entry
// is appended; history records completed transitions only, so a run that
// sails through keeps exactly one entry per phase.
func Begin(h Handoff, phase structs.Phase) Handoff {
	nh := h.Copy()
	nh.State.Phase = phase
	nh.State.Status = StatusInProgress
	return nh
}

// Change describes one Update. Next handling is tri-state: nil Next with
// ClearNext false keeps the current pointer, nil with ClearNext true removes
// it (terminal documents), non-nil replaces it.
type Change struct {
	Phase       structs.Phase
	Status      Status
	Artifact    string
	EndedAt     string
	Next        *Next
	ClearNext   bool
	Artifacts   map[string]string
	Constraints *Constraints
	Note        string
	BumpIter    bool
}

// Update applies c to h: appends the history entry, sets state.phase and
// state.status, merges the artifact map, replaces constraints when given,
// replaces or clears next, and appends the note. Returns an error only for
// an invalid phase or status.
func Update(h Handoff, c Change) (Handoff, error) {
	if !c.Phase.Valid() {
		return Handoff{}, fmt.Errorf("invalid phase %q", c.Phase)
	}
	if !c.Status.Valid() {
		return Handoff{}, fmt.Errorf("invalid status %q", c.Status)
	}

	nh := AppendHistory(h, HistoryEntry{
		Phase:    c.Phase,
		Status:   c.Status,
		EndedAt:  c.EndedAt,
		Artifact: c.Artifact,
	})

	nh.State.Phase = c.Phase
	nh.State.Status = c.Status
	if c.BumpIter {
		nh.State.Iteration++
	}

	for k, v := range c.Artifacts {
		nh.Artifacts[k] = v
	}

	if c.Constraints != nil {
		cc := *c.Constraints
		nh.Constraints = &cc
	}

	switch {
	case c.Next != nil:
		nh.Next = c.Next.copy()
	case c.ClearNext:
		nh.Next = nil
	}

	if c.Note != "" {
		nh.Notes = append(nh.Notes, c.Note)
	}

	return nh, nil
}

// Cancelled returns whether the document records a cancelled run. Phase
// handlers consult this before any side effect.
func (h Handoff) Cancelled() bool {
	return h.State.Status == StatusCancelled
}
