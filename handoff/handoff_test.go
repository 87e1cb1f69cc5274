// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handoff

import (
	"strings"
	"testing"

	"github.com/shoenig/test/must"
	"pgregory.net/rapid"

	"github.com/hashicorp/forge/ci"
	"github.com/hashicorp/forge/structs"
)

func testHandoff() Handoff {
	return CreateQueued(CreateParams{
		RunID:     "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		CreatedAt: "2026-03-14T09:26:53.589Z",
		Prompt:    "add retry logic to the fetcher",
		RepoURL:   "https://example.com/repo.git",
		Next: &Next{
			Agent:          "planner",
			InputArtifacts: []string{"task.json"},
			Instructions:   []string{},
		},
		Artifacts: map[string]string{"plan": "plan.json"},
	})
}

func TestCreateQueued(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	must.Eq(t, structs.PhasePlan, h.State.Phase)
	must.Eq(t, StatusQueued, h.State.Status)
	must.Eq(t, 1, h.State.Iteration)
	must.Eq(t, structs.DefaultMaxIterations, h.State.MaxIterations)
	must.SliceEmpty(t, h.State.History)
	must.Eq(t, "code", h.Task.Mode)
	must.Eq(t, h.Run.ID, h.Task.ID)
	must.NotNil(t, h.Next)
	must.Eq(t, "planner", h.Next.Agent)

	// explicit iteration budget sticks
	h2 := CreateQueued(CreateParams{RunID: "r", MaxIterations: 7})
	must.Eq(t, 7, h2.State.MaxIterations)
}

func TestHandoff_Copy(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	h.Notes = append(h.Notes, "original")
	h.Constraints = &Constraints{TestCommand: "go test ./..."}

	cp := h.Copy()
	cp.Notes[0] = "mutated"
	cp.Artifacts["plan"] = "other.json"
	cp.Constraints.TestCommand = "make check"
	cp.Next.Agent = "reviewer"
	cp.Next.InputArtifacts[0] = "other.json"

	must.Eq(t, "original", h.Notes[0])
	must.Eq(t, "plan.json", h.Artifacts["plan"])
	must.Eq(t, "go test ./...", h.Constraints.TestCommand)
	must.Eq(t, "planner", h.Next.Agent)
	must.Eq(t, "task.json", h.Next.InputArtifacts[0])
}

func TestBegin(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	nh := Begin(h, structs.PhasePlan)
	must.Eq(t, structs.PhasePlan, nh.State.Phase)
	must.Eq(t, StatusInProgress, nh.State.Status)

	// no history entry for an in-progress mark
	must.SliceEmpty(t, nh.State.History)

	// receiver untouched
	must.Eq(t, StatusQueued, h.State.Status)
}

func TestUpdate(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	nh, err := Update(h, Change{
		Phase:    structs.PhasePlan,
		Status:   StatusCompleted,
		Artifact: "plan.json",
		EndedAt:  "2026-03-14T09:27:00.000Z",
		Next: &Next{
			Agent:          "implementer",
			InputArtifacts: []string{"plan.json"},
			Instructions:   []string{},
		},
		Artifacts: map[string]string{"implementor": "implementor.json"},
	})
	must.NoError(t, err)

	must.Len(t, 1, nh.State.History)
	must.Eq(t, structs.PhasePlan, nh.State.History[0].Phase)
	must.Eq(t, StatusCompleted, nh.State.History[0].Status)
	must.Eq(t, "plan.json", nh.State.History[0].Artifact)
	must.Eq(t, structs.PhasePlan, nh.State.Phase)
	must.Eq(t, StatusCompleted, nh.State.Status)
	must.Eq(t, "implementer", nh.Next.Agent)
	must.Eq(t, "implementor.json", nh.Artifacts["implementor"])

	// input document untouched
	must.SliceEmpty(t, h.State.History)
	must.Eq(t, "planner", h.Next.Agent)
}

func TestUpdate_BumpIter(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	nh, err := Update(h, Change{
		Phase:    structs.PhaseReview,
		Status:   StatusCompleted,
		EndedAt:  "2026-03-14T09:27:00.000Z",
		BumpIter: true,
		Note:     "Reviewer rejected: missing tests",
	})
	must.NoError(t, err)
	must.Eq(t, 2, nh.State.Iteration)
	must.Len(t, 1, nh.Notes)
	must.StrContains(t, nh.Notes[0], "Reviewer rejected")
}

func TestUpdate_ClearNext(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	nh, err := Update(h, Change{
		Phase:     structs.PhasePR,
		Status:    StatusCompleted,
		EndedAt:   "2026-03-14T09:27:00.000Z",
		ClearNext: true,
	})
	must.NoError(t, err)
	must.Nil(t, nh.Next)

	// nil Next without ClearNext keeps the pointer
	nh2, err := Update(h, Change{
		Phase:   structs.PhasePlan,
		Status:  StatusCompleted,
		EndedAt: "2026-03-14T09:27:00.000Z",
	})
	must.NoError(t, err)
	must.NotNil(t, nh2.Next)
}

func TestUpdate_Constraints(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	nh, err := Update(h, Change{
		Phase:   structs.PhasePlan,
		Status:  StatusCompleted,
		EndedAt: "2026-03-14T09:27:00.000Z",
		Constraints: &Constraints{
			RequireTestsForBehaviorChange: true,
			TestCommand:                   "go test ./...",
		},
	})
	must.NoError(t, err)
	must.NotNil(t, nh.Constraints)
	must.True(t, nh.Constraints.RequireTestsForBehaviorChange)
	must.Eq(t, "go test ./...", nh.Constraints.TestCommand)

	// input document untouched
	must.Nil(t, h.Constraints)
}

func TestUpdate_Invalid(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	_, err := Update(h, Change{Phase: "deploy", Status: StatusCompleted})
	must.Error(t, err)

	_, err = Update(h, Change{Phase: structs.PhasePlan, Status: "done"})
	must.Error(t, err)
}

func TestCancelled(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	must.False(t, h.Cancelled())

	nh, err := Update(h, Change{
		Phase:     h.State.Phase,
		Status:    StatusCancelled,
		EndedAt:   "2026-03-14T09:27:00.000Z",
		ClearNext: true,
		Note:      structs.CancelledNote,
	})
	must.NoError(t, err)
	must.True(t, nh.Cancelled())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	h.Constraints = &Constraints{
		RequireTestsForBehaviorChange: true,
		TestCommand:                   "go test ./...",
	}

	raw, err := Encode(h)
	must.NoError(t, err)

	back, err := Decode(raw)
	must.NoError(t, err)
	must.Eq(t, h, back)
}

func TestEncode_TerminalOmitsNext(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	nh, err := Update(h, Change{
		Phase:     structs.PhasePR,
		Status:    StatusCompleted,
		EndedAt:   "2026-03-14T09:27:00.000Z",
		ClearNext: true,
	})
	must.NoError(t, err)

	raw, err := Encode(nh)
	must.NoError(t, err)
	must.False(t, strings.Contains(string(raw), `"next"`))
}

// TestEncode_EmptyNextListsStayLists pins the serialized form of empty
// next lists: every path that rebuilds next must keep them as [] rather
// than null, because the validator rejects null lists.
func TestEncode_EmptyNextListsStayLists(t *testing.T) {
	ci.Parallel(t)

	h := testHandoff()
	updated, err := Update(h, Change{
		Phase:   structs.PhasePlan,
		Status:  StatusCompleted,
		EndedAt: "2026-03-14T09:27:00.000Z",
		Next: &Next{
			Agent:          "implementer",
			InputArtifacts: []string{},
			Instructions:   []string{},
		},
	})
	must.NoError(t, err)

	for name, doc := range map[string]Handoff{
		"create": h,
		"copy":   h.Copy(),
		"update": updated,
	} {
		raw, err := Encode(doc)
		must.NoError(t, err, must.Sprintf("%s failed to encode", name))
		must.StrNotContains(t, string(raw), "null")
		must.NoError(t, IsRunHandoff(raw), must.Sprintf("%s fails its own validator", name))
	}
}

func TestDecode_Invalid(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "nope"},
		{"empty object", "{}"},
		{"missing state fields", `{"run":{},"task":{},"state":{},"artifacts":{},"notes":[]}`},
		{"bad next", `{"run":{},"task":{},"state":{"phase":"plan","status":"queued","iteration":1,"maxIterations":3,"history":[]},"artifacts":{},"notes":[],"next":{"agent":1}}`},
		{"non-string note", `{"run":{},"task":{},"state":{"phase":"plan","status":"queued","iteration":1,"maxIterations":3,"history":[]},"artifacts":{},"notes":[7]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			must.Error(t, err)
		})
	}
}

func TestIsRunHandoff_AggregatesErrors(t *testing.T) {
	ci.Parallel(t)

	err := IsRunHandoff([]byte(`{}`))
	must.Error(t, err)
	// every top-level complaint is reported at once
	for _, want := range []string{"run", "task", "state", "artifacts", "notes"} {
		must.StrContains(t, err.Error(), want)
	}
}

// TestUpdate_HistoryProperty drives random sequences of updates and checks
// that history is append-only, grows by exactly one entry per update, and
// never leaks mutations back into earlier documents.
func TestUpdate_HistoryProperty(t *testing.T) {
	ci.Parallel(t)

	phases := []structs.Phase{
		structs.PhasePlan, structs.PhaseImplement, structs.PhaseReview,
		structs.PhaseTest, structs.PhasePR,
	}
	statuses := []Status{StatusCompleted, StatusFailed, StatusCancelled}

	rapid.Check(t, func(t *rapid.T) {
		h := testHandoff()
		prev := h

		n := rapid.IntRange(1, 12).Draw(t, "updates")
		for i := 0; i < n; i++ {
			c := Change{
				Phase:    phases[rapid.IntRange(0, len(phases)-1).Draw(t, "phase")],
				Status:   statuses[rapid.IntRange(0, len(statuses)-1).Draw(t, "status")],
				EndedAt:  "2026-03-14T09:27:00.000Z",
				BumpIter: rapid.Bool().Draw(t, "bump"),
			}
			nh, err := Update(prev, c)
			if err != nil {
				t.Fatalf("unexpected update error: %v", err)
			}

			if len(nh.State.History) != len(prev.State.History)+1 {
				t.Fatalf("history grew by %d, want 1",
					len(nh.State.History)-len(prev.State.History))
			}
			// the prefix is untouched
			for j, entry := range prev.State.History {
				if nh.State.History[j] != entry {
					t.Fatalf("history[%d] changed from %+v to %+v",
						j, entry, nh.State.History[j])
				}
			}
			last := nh.State.History[len(nh.State.History)-1]
			if last.Phase != c.Phase || last.Status != c.Status {
				t.Fatalf("tail entry %+v does not record change %+v", last, c)
			}
			prev = nh
		}
	})
}
