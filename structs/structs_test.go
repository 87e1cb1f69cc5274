// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/forge/ci"
)

func TestPhase_Valid(t *testing.T) {
	ci.Parallel(t)

	for _, p := range Phases {
		must.True(t, p.Valid())
	}
	must.False(t, Phase("").Valid())
	must.False(t, Phase("deploy").Valid())
}

func TestNextPhase(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		from Phase
		next Phase
		ok   bool
	}{
		{PhasePlan, PhaseImplement, true},
		{PhaseImplement, PhaseReview, true},
		{PhaseReview, PhaseTest, true},
		{PhaseTest, PhasePR, true},
		{PhasePR, "", false},
		{Phase("bogus"), "", false},
	}
	for _, tc := range cases {
		next, ok := NextPhase(tc.from)
		must.Eq(t, tc.ok, ok)
		must.Eq(t, tc.next, next)
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	ci.Parallel(t)

	must.False(t, JobStatusQueued.Terminal())
	must.False(t, JobStatusInProgress.Terminal())
	must.True(t, JobStatusDone.Terminal())
	must.True(t, JobStatusFailed.Terminal())
	must.True(t, JobStatusCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	ci.Parallel(t)

	// forward edges
	must.True(t, CanTransition(RunStateQueued, RunStatePlan))
	must.True(t, CanTransition(RunStatePlan, RunStateImplement))
	must.True(t, CanTransition(RunStateImplement, RunStateReview))
	must.True(t, CanTransition(RunStateReview, RunStateTest))
	must.True(t, CanTransition(RunStateReview, RunStateImplement))
	must.True(t, CanTransition(RunStateTest, RunStatePR))
	must.True(t, CanTransition(RunStatePR, RunStateCompleted))

	// no skipping
	must.False(t, CanTransition(RunStatePlan, RunStateReview))
	must.False(t, CanTransition(RunStateQueued, RunStatePR))
	must.False(t, CanTransition(RunStateTest, RunStateImplement))

	// any non-terminal state may fail or cancel
	for _, from := range []RunState{RunStateQueued, RunStatePlan, RunStateImplement, RunStateReview, RunStateTest, RunStatePR} {
		must.True(t, CanTransition(from, RunStateFailed))
		must.True(t, CanTransition(from, RunStateCancelled))
	}

	// terminal states are sinks
	for _, from := range []RunState{RunStateCompleted, RunStateFailed, RunStateCancelled} {
		must.False(t, CanTransition(from, RunStatePlan))
		must.False(t, CanTransition(from, RunStateFailed))
		must.False(t, CanTransition(from, RunStateCancelled))
	}
}

func TestFormatTime(t *testing.T) {
	ci.Parallel(t)

	in := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	must.Eq(t, "2026-03-14T09:26:53.589Z", FormatTime(in))

	// non-UTC inputs normalize to UTC
	loc := time.FixedZone("X", 3600)
	must.Eq(t, "2026-03-14T08:26:53.589Z", FormatTime(in.In(loc).Add(-time.Hour)))
}

func TestTimestampMillis(t *testing.T) {
	ci.Parallel(t)

	in := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	ms, err := TimestampMillis(FormatTime(in))
	must.NoError(t, err)
	must.Eq(t, in.UnixMilli(), ms)

	// RFC3339 written by other tooling still parses
	ms, err = TimestampMillis("2026-03-14T09:26:53Z")
	must.NoError(t, err)
	must.Eq(t, in.Truncate(time.Second).UnixMilli(), ms)

	_, err = TimestampMillis("not-a-timestamp")
	must.Error(t, err)

	_, err = TimestampMillis("")
	must.Error(t, err)
}

func TestIsCancelled(t *testing.T) {
	ci.Parallel(t)

	must.True(t, IsCancelled(ErrRunCancelled))
	must.False(t, IsCancelled(ErrMaxAttempts))
	must.False(t, IsCancelled(nil))
}
