// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the core types shared by the queue store, the worker
// loop and the dispatch layer: jobs, run locks, phases and the run state
// machine.
package structs

import (
	"time"

	"oss.indeed.com/go/libtime"
)

// Phase is one of the five pipeline phases a job can drive.
type Phase string

const (
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
	PhaseReview    Phase = "review"
	PhaseTest      Phase = "test"
	PhasePR        Phase = "pr"
)

// Phases lists all phases in pipeline order.
var Phases = []Phase{PhasePlan, PhaseImplement, PhaseReview, PhaseTest, PhasePR}

// Valid returns whether p names a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlan, PhaseImplement, PhaseReview, PhaseTest, PhasePR:
		return true
	default:
		return false
	}
}

// NextPhase returns the phase that follows p on the happy path. The second
// return is false for the terminal pr phase and for unknown phases.
func NextPhase(p Phase) (Phase, bool) {
	switch p {
	case PhasePlan:
		return PhaseImplement, true
	case PhaseImplement:
		return PhaseReview, true
	case PhaseReview:
		return PhaseTest, true
	case PhaseTest:
		return PhasePR, true
	default:
		return "", false
	}
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal returns whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one unit of work: a single phase of a single run. Jobs live in the
// queue store's jobs table; the integer ID is the SQLite rowid and is
// monotonic across the life of the store.
type Job struct {
	ID        int64     `db:"id"`
	RunID     string    `db:"run_id"`
	Phase     Phase     `db:"phase"`
	Status    JobStatus `db:"status"`
	Attempt   int       `db:"attempt"`
	CreatedAt string    `db:"created_at"`
	UpdatedAt string    `db:"updated_at"`
	LastError *string   `db:"last_error"`
}

// RunLock is the exclusive lease one worker holds on a run. At most one row
// exists per run_id; a row older than the lease timeout is stale and may be
// stolen or deleted by any worker.
type RunLock struct {
	RunID    string `db:"run_id"`
	LockedAt string `db:"locked_at"`
	Owner    string `db:"owner"`
}

// QueueStats is an informational snapshot of the queue store.
type QueueStats struct {
	Queued     int
	InProgress int
	LeaseCount int
}

// RecoveryCounts reports what a RecoverStale sweep did.
type RecoveryCounts struct {
	RequeuedJobs   int
	ReleasedLeases int
}

// RunState is a node of the run state machine: the queued initial state, the
// five phases, and the three terminal outcomes.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStatePlan      RunState = RunState(PhasePlan)
	RunStateImplement RunState = RunState(PhaseImplement)
	RunStateReview    RunState = RunState(PhaseReview)
	RunStateTest      RunState = RunState(PhaseTest)
	RunStatePR        RunState = RunState(PhasePR)
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal returns whether the run state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// runTransitions encodes the forward edges of the run state machine. Failure
// and cancellation edges are uniform: any non-terminal state may move to
// failed or cancelled.
var runTransitions = map[RunState][]RunState{
	RunStateQueued:    {RunStatePlan},
	RunStatePlan:      {RunStateImplement},
	RunStateImplement: {RunStateReview},
	RunStateReview:    {RunStateImplement, RunStateTest},
	RunStateTest:      {RunStatePR},
	RunStatePR:        {RunStateCompleted},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to RunState) bool {
	if from.Terminal() {
		return false
	}
	if to == RunStateFailed || to == RunStateCancelled {
		return true
	}
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	// MaxAttempts bounds operational retries of a single job. The attempt
	// counter is incremented by the claim, so a job whose claim yields
	// attempt=4 has had its three tries and is failed.
	MaxAttempts = 3

	// MaxPlanAttempts bounds planner invocations per run.
	MaxPlanAttempts = 2

	// MaxImplementorAttempts bounds implementor invocations per plan step.
	MaxImplementorAttempts = 3

	// DefaultMaxIterations bounds review-rejection loops per run.
	DefaultMaxIterations = 3

	// DefaultLeaseTimeout is how long a silent worker may hold a run before
	// its jobs and lease are considered stale.
	DefaultLeaseTimeout = 5 * time.Minute

	// DefaultPollInterval is the idle sleep between claim attempts.
	DefaultPollInterval = time.Second

	// DefaultRequeueSleep is the backoff after a denied lease.
	DefaultRequeueSleep = 200 * time.Millisecond

	// DefaultHeartbeatInterval is how often an in-flight job bumps its row
	// and its lease. Must be well under DefaultLeaseTimeout.
	DefaultHeartbeatInterval = 15 * time.Second
)

// TimestampLayout is the wire format for every timestamp the queue store
// persists: ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the queue store's timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// TimestampMillis parses a stored timestamp to milliseconds since the epoch.
// An unparseable timestamp returns an error; callers in the staleness paths
// treat that as stale, which errs on the side of recovery.
func TimestampMillis(s string) (int64, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// tolerate timestamps written by other tooling
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return 0, err
		}
	}
	return libtime.ToMilliseconds(t), nil
}
