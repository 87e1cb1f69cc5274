// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"

	"github.com/hashicorp/forge/executor"
	"github.com/hashicorp/forge/gitws"
	"github.com/hashicorp/forge/handoff"
	"github.com/hashicorp/forge/helper/escapingfs"
	"github.com/hashicorp/forge/rundir"
	"github.com/hashicorp/forge/structs"
)

// Agent names recorded in a handoff's next pointer.
const (
	agentPlanner     = "planner"
	agentImplementer = "implementer"
	agentReviewer    = "reviewer"
	agentTester      = "tester"
	agentPR          = "pr"
)

// errorArtifact is the <phase>.error.json sibling written on executor and
// validation failures.
type errorArtifact struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// prDraft is the pr-draft.json artifact.
type prDraft struct {
	TaskID string       `json:"task_id"`
	Status string       `json:"status"`
	Repo   handoff.Repo `json:"repo"`
}

// readFresh re-reads the handoff at a phase boundary. A cancelled run
// surfaces as ErrRunCancelled before any side effect.
func (w *Worker) readFresh(runID string) (handoff.Handoff, error) {
	h, err := w.runs.ReadHandoff(runID)
	if err != nil {
		return handoff.Handoff{}, err
	}
	if h.Cancelled() {
		return handoff.Handoff{}, structs.ErrRunCancelled
	}
	return h, nil
}

// advance commits a completed phase: it re-reads the handoff so a
// cancellation that landed while the executor ran is honored, applies the
// change to the fresh document, writes it, and enqueues the next phase. The
// handoff write comes first: the run's authoritative state must name the
// next agent before the job that will act on it exists.
func (w *Worker) advance(ctx context.Context, runID string, c handoff.Change, next structs.Phase) error {
	h, err := w.readFresh(runID)
	if err != nil {
		return err
	}
	nh, err := handoff.Update(h, c)
	if err != nil {
		return err
	}
	if err := w.runs.WriteHandoff(runID, nh); err != nil {
		return err
	}
	if _, err := w.store.Enqueue(ctx, runID, next); err != nil {
		return err
	}
	return nil
}

// writeError persists the error sibling of a phase artifact. Best effort;
// the phase error itself is what propagates.
func (w *Worker) writeError(runID, artifact string, phase structs.Phase, err error) {
	e := errorArtifact{Phase: string(phase), Error: err.Error()}
	if wErr := w.runs.WriteArtifact(runID, rundir.ErrorFile(artifact), e); wErr != nil {
		w.logger.Error("failed to write error artifact", "run_id", runID, "artifact", artifact, "error", wErr)
	}
}

// runPlan clones the workspace, resolves branches, invokes the planner and
// hands the run to the implementer.
func (w *Worker) runPlan(ctx context.Context, job *structs.Job) error {
	h, err := w.readFresh(job.RunID)
	if err != nil {
		return err
	}
	if h.Run.Repo.URL == "" {
		return fmt.Errorf("run %s has no repository url", job.RunID)
	}

	ws := w.runs.WorkspaceDir(job.RunID)
	if err := w.git.Clone(ctx, h.Run.Repo.URL, ws); err != nil {
		return err
	}
	base, err := w.git.ResolveBaseBranch(ctx, ws, h.Run.Repo.BaseBranch)
	if err != nil {
		return err
	}
	branch := gitws.BranchName(w.branchPrefix, h.Task.Prompt)
	if err := w.git.CreateBranch(ctx, ws, branch); err != nil {
		return err
	}

	// Persist the workspace pointers before planning so a crash after the
	// clone does not orphan the checkout.
	h = h.Copy()
	h.Run.Repo.Root = ws
	h.Run.Repo.Branch = branch
	h.Run.Repo.BaseBranch = base
	if err := w.runs.WriteHandoff(job.RunID, h); err != nil {
		return err
	}

	var plan *executor.Plan
	for attempt := 1; attempt <= w.maxPlanAttempts; attempt++ {
		plan, err = w.execs.Planner.Plan(ctx, executor.PlanRequest{
			RunID:    job.RunID,
			Prompt:   h.Task.Prompt,
			RepoRoot: ws,
			Handoff:  h,
			Env:      executor.EnvFromOS(),
		})
		if err == nil {
			break
		}
		w.logger.Warn("planner attempt failed", "run_id", job.RunID, "attempt", attempt, "error", err)
	}
	if err != nil {
		err = fmt.Errorf("planner failed: %w", err)
		w.writeError(job.RunID, rundir.PlanFile, structs.PhasePlan, err)
		return err
	}
	if plan.TaskID == "" {
		plan.TaskID = job.RunID
	}
	if err := w.runs.WriteArtifact(job.RunID, rundir.PlanFile, plan); err != nil {
		return err
	}

	return w.advance(ctx, job.RunID, handoff.Change{
		Phase:    structs.PhasePlan,
		Status:   handoff.StatusCompleted,
		Artifact: rundir.PlanFile,
		EndedAt:  structs.FormatTime(timeNow()),
		Constraints: &handoff.Constraints{
			RequireTestsForBehaviorChange: plan.RequiresTests(),
			TestCommand:                   plan.TestCommand,
			TestFramework:                 plan.TestFramework,
		},
		Next: &handoff.Next{
			Agent:          agentImplementer,
			InputArtifacts: []string{rundir.PlanFile},
			Instructions:   []string{},
		},
	}, structs.PhaseImplement)
}

// runImplement expands the plan, drives the implementor step by step with
// uniform allowed-files enforcement, extracts the merged diff and hands the
// run to the reviewer.
func (w *Worker) runImplement(ctx context.Context, job *structs.Job) error {
	h, err := w.readFresh(job.RunID)
	if err != nil {
		return err
	}
	root := h.Run.Repo.Root
	if root == "" {
		return fmt.Errorf("run %s has no workspace; plan has not completed", job.RunID)
	}

	var plan executor.Plan
	if err := w.runs.ReadArtifact(job.RunID, rundir.PlanFile, &plan); err != nil {
		return err
	}

	allowed, steps, err := expandPlan(root, &plan)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("plan for run %s has no applicable steps", job.RunID)
	}

	// Review feedback from a rejection loop rides on next.instructions.
	var feedback []string
	if h.Next != nil {
		feedback = h.Next.Instructions
	}

	files := injectFiles(root, allowed)
	snap := executor.Snapshot{Handoff: h, Plan: &plan, Files: files}
	if err := w.runs.WriteArtifact(job.RunID, rundir.SnapshotFile("implementor"), snap); err != nil {
		return err
	}

	changed := make(map[string]struct{})
	results := make([]executor.StepResult, 0, len(steps))
	failures := 0

	for _, step := range steps {
		var res *executor.StepResult
		var stepErr error
		for attempt := 1; attempt <= w.maxImplementorAttempts; attempt++ {
			res, stepErr = w.execs.Implementor.Implement(ctx, executor.ImplementRequest{
				RunID:    job.RunID,
				RepoRoot: root,
				Handoff:  h,
				Plan:     &plan,
				Step:     step,
				Files:    files,
				Feedback: feedback,
			})
			if stepErr == nil {
				break
			}
			failures++
			w.logger.Warn("implementor attempt failed",
				"run_id", job.RunID, "step", step.ID, "attempt", attempt, "error", stepErr)
			w.runs.WriteArtifact(job.RunID, rundir.FailedStepFile(failures), errorArtifact{
				Phase: string(structs.PhaseImplement),
				Error: fmt.Sprintf("step %s attempt %d: %v", step.ID, attempt, stepErr),
			})
		}
		if stepErr != nil {
			stepErr = fmt.Errorf("implementor failed on step %s: %w", step.ID, stepErr)
			w.writeError(job.RunID, rundir.ImplementorFile, structs.PhaseImplement, stepErr)
			return stepErr
		}

		if err := w.applyStep(ctx, root, res, allowed, changed); err != nil {
			w.writeError(job.RunID, rundir.ImplementorFile, structs.PhaseImplement, err)
			return err
		}
		results = append(results, *res)

		// next step sees what this one wrote
		files = injectFiles(root, allowed)
	}

	changedList := make([]string, 0, len(changed))
	for f := range changed {
		changedList = append(changedList, f)
	}
	sort.Strings(changedList)

	merged, err := w.git.Diff(ctx, root, changedList)
	if err != nil {
		return err
	}

	impl := executor.ImplementorResult{
		TaskID:       job.RunID,
		Steps:        results,
		ChangedFiles: changedList,
		Diff:         merged,
	}
	if err := w.runs.WriteArtifact(job.RunID, rundir.ImplementorFile, impl); err != nil {
		return err
	}

	return w.advance(ctx, job.RunID, handoff.Change{
		Phase:    structs.PhaseImplement,
		Status:   handoff.StatusCompleted,
		Artifact: rundir.ImplementorFile,
		EndedAt:  structs.FormatTime(timeNow()),
		Next: &handoff.Next{
			Agent:          agentReviewer,
			InputArtifacts: []string{rundir.PlanFile, rundir.ImplementorFile},
			Instructions:   []string{},
		},
	}, structs.PhaseReview)
}

// applyStep applies one step result to the working tree: proposed mutations
// when present, otherwise the unified diff. Every touched path must be in
// the allowed set and inside the workspace.
func (w *Worker) applyStep(ctx context.Context, root string, res *executor.StepResult, allowed []string, changed map[string]struct{}) error {
	if len(res.Mutations) > 0 {
		for _, m := range res.Mutations {
			if err := w.applyMutation(ctx, root, m, allowed, changed); err != nil {
				return err
			}
		}
		return nil
	}
	if res.Diff == "" {
		return nil
	}
	return w.applyMutation(ctx, root, executor.ApplyPatch(res.Diff), allowed, changed)
}

// applyMutation is the single dispatch point for the three mutation kinds.
func (w *Worker) applyMutation(ctx context.Context, root string, m executor.Mutation, allowed []string, changed map[string]struct{}) error {
	switch m.Kind {
	case executor.MutationWrite:
		if err := checkAllowed(root, m.Path, allowed); err != nil {
			return err
		}
		path := filepath.Join(root, m.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", m.Path, err)
		}
		if err := os.WriteFile(path, []byte(m.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", m.Path, err)
		}
		changed[m.Path] = struct{}{}
		return nil

	case executor.MutationDelete:
		if err := checkAllowed(root, m.Path, allowed); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(root, m.Path)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", m.Path, err)
		}
		changed[m.Path] = struct{}{}
		return nil

	case executor.MutationPatch:
		for _, f := range diffFiles(m.Diff) {
			if err := checkAllowed(root, f, allowed); err != nil {
				return err
			}
		}
		if err := w.git.Apply(ctx, root, m.Diff); err != nil {
			return err
		}
		for _, f := range diffFiles(m.Diff) {
			changed[f] = struct{}{}
		}
		return nil

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// runReview rebuilds the reviewer's snapshot, invokes the reviewer and
// routes the run on its decision: approved to test, rejected back to
// implement while budget remains, blocked to failure.
func (w *Worker) runReview(ctx context.Context, job *structs.Job) error {
	h, err := w.readFresh(job.RunID)
	if err != nil {
		return err
	}

	var plan executor.Plan
	if err := w.runs.ReadArtifact(job.RunID, rundir.PlanFile, &plan); err != nil {
		return err
	}
	var impl executor.ImplementorResult
	if err := w.runs.ReadArtifact(job.RunID, rundir.ImplementorFile, &impl); err != nil {
		return err
	}

	root := h.Run.Repo.Root
	allowed, _, err := expandPlan(root, &plan)
	if err != nil {
		return err
	}
	snap := executor.Snapshot{Handoff: h, Plan: &plan, Files: injectFiles(root, allowed)}
	if err := w.runs.WriteArtifact(job.RunID, rundir.SnapshotFile("review"), snap); err != nil {
		return err
	}

	rev, err := w.execs.Reviewer.Review(ctx, executor.ReviewRequest{
		RunID:    job.RunID,
		RepoRoot: root,
		Handoff:  h,
		Plan:     &plan,
		Result:   &impl,
	})
	if err != nil {
		err = fmt.Errorf("reviewer failed: %w", err)
		w.writeError(job.RunID, rundir.ReviewFile, structs.PhaseReview, err)
		return err
	}
	if err := w.runs.WriteArtifact(job.RunID, rundir.ReviewFile, rev); err != nil {
		return err
	}

	reasons := strings.Join(rev.Reasons, "; ")

	switch rev.Decision {
	case handoff.DecisionApproved:
		return w.advance(ctx, job.RunID, handoff.Change{
			Phase:    structs.PhaseReview,
			Status:   handoff.StatusCompleted,
			Artifact: rundir.ReviewFile,
			EndedAt:  structs.FormatTime(timeNow()),
			Next: &handoff.Next{
				Agent:          agentTester,
				InputArtifacts: []string{rundir.ImplementorFile, rundir.ReviewFile},
				Instructions:   []string{},
			},
		}, structs.PhaseTest)

	case handoff.DecisionRejected:
		if h.State.Iteration >= h.State.MaxIterations {
			return fmt.Errorf("Reviewer rejected: %s", reasons)
		}
		w.logger.Info("review rejected, retrying implement",
			"run_id", job.RunID, "iteration", h.State.Iteration+1, "max", h.State.MaxIterations)
		return w.advance(ctx, job.RunID, handoff.Change{
			Phase:    structs.PhaseReview,
			Status:   handoff.StatusCompleted,
			Artifact: rundir.ReviewFile,
			EndedAt:  structs.FormatTime(timeNow()),
			BumpIter: true,
			Note:     fmt.Sprintf("Reviewer rejected: %s", reasons),
			Next: &handoff.Next{
				Agent:          agentImplementer,
				InputArtifacts: []string{rundir.PlanFile, rundir.ImplementorFile, rundir.ReviewFile},
				Instructions:   rev.Reasons,
			},
		}, structs.PhaseImplement)

	case handoff.DecisionBlocked:
		// blocked bypasses the retry budget
		return fmt.Errorf("Reviewer blocked: %s", reasons)

	default:
		return fmt.Errorf("unknown review decision %q", rev.Decision)
	}
}

// runTest runs the configured test command, or writes a synthetic passed
// result when the plan required no tests, then hands the run to pr.
func (w *Worker) runTest(ctx context.Context, job *structs.Job) error {
	h, err := w.readFresh(job.RunID)
	if err != nil {
		return err
	}

	snap := executor.Snapshot{Handoff: h}
	if err := w.runs.WriteArtifact(job.RunID, rundir.SnapshotFile("test"), snap); err != nil {
		return err
	}

	var result *executor.TestResult
	if h.Constraints == nil || !h.Constraints.RequireTestsForBehaviorChange {
		result = &executor.TestResult{Status: executor.TestStatusPassed, Skipped: true}
	} else {
		result, err = w.execs.Tester.Test(ctx, executor.TestRequest{
			RunID:     job.RunID,
			RepoRoot:  h.Run.Repo.Root,
			Command:   h.Constraints.TestCommand,
			Framework: h.Constraints.TestFramework,
			Handoff:   h,
			Env:       executor.EnvFromOS(),
		})
		if err != nil {
			err = fmt.Errorf("tester failed: %w", err)
			w.writeError(job.RunID, rundir.TestFile, structs.PhaseTest, err)
			return err
		}
	}

	if err := w.runs.WriteArtifact(job.RunID, rundir.TestFile, result); err != nil {
		return err
	}
	if result.Status != executor.TestStatusPassed {
		return fmt.Errorf("tests failed with status %q", result.Status)
	}

	return w.advance(ctx, job.RunID, handoff.Change{
		Phase:    structs.PhaseTest,
		Status:   handoff.StatusCompleted,
		Artifact: rundir.TestFile,
		EndedAt:  structs.FormatTime(timeNow()),
		Next: &handoff.Next{
			Agent:          agentPR,
			InputArtifacts: []string{rundir.ImplementorFile, rundir.TestFile},
			Instructions:   []string{},
		},
	}, structs.PhasePR)
}

// runPR writes the PR draft, completes the run and reaps the workspace.
func (w *Worker) runPR(ctx context.Context, job *structs.Job) error {
	h, err := w.readFresh(job.RunID)
	if err != nil {
		return err
	}

	draft := prDraft{
		TaskID: h.Task.ID,
		Status: "ready_for_review",
		Repo: handoff.Repo{
			Root:       h.Run.Repo.Root,
			Branch:     h.Run.Repo.Branch,
			BaseBranch: h.Run.Repo.BaseBranch,
		},
	}
	if err := w.runs.WriteArtifact(job.RunID, rundir.PRDraftFile, draft); err != nil {
		return err
	}

	// a cancel that raced the draft write still wins
	h, err = w.readFresh(job.RunID)
	if err != nil {
		return err
	}
	nh, err := handoff.Update(h, handoff.Change{
		Phase:     structs.PhasePR,
		Status:    handoff.StatusCompleted,
		Artifact:  rundir.PRDraftFile,
		EndedAt:   structs.FormatTime(timeNow()),
		ClearNext: true,
	})
	if err != nil {
		return err
	}
	if err := w.runs.WriteHandoff(job.RunID, nh); err != nil {
		return err
	}

	if !h.Run.KeepWorkspace {
		if err := w.runs.RemoveWorkspace(job.RunID); err != nil {
			w.logger.Warn("failed to remove workspace", "run_id", job.RunID, "error", err)
		}
	}
	w.logger.Info("run completed", "run_id", job.RunID)
	return nil
}

// expandPlan resolves the plan's allowed_files and step file globs against
// the repo root. The returned allowed set is the expanded matches plus the
// non-glob entries verbatim; steps expand to one step per match, with ids
// suffixed "#<n>" when a pattern matched more than one file.
func expandPlan(root string, plan *executor.Plan) ([]string, []executor.PlanStep, error) {
	var allowed []string
	seen := make(map[string]struct{})
	add := func(f string) {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			allowed = append(allowed, f)
		}
	}

	for _, entry := range plan.AllowedFiles {
		if !isGlob(entry) {
			add(entry)
			continue
		}
		matches, err := globRel(root, entry)
		if err != nil {
			return nil, nil, fmt.Errorf("bad allowed_files pattern %q: %w", entry, err)
		}
		for _, m := range matches {
			add(m)
		}
	}

	var steps []executor.PlanStep
	for _, step := range plan.Steps {
		if !isGlob(step.File) {
			// a file a step names is implicitly allowed
			add(step.File)
			steps = append(steps, step)
			continue
		}
		matches, err := globRel(root, step.File)
		if err != nil {
			return nil, nil, fmt.Errorf("bad step pattern %q: %w", step.File, err)
		}
		for i, m := range matches {
			s := step
			s.File = m
			if len(matches) > 1 {
				s.ID = fmt.Sprintf("%s#%d", step.ID, i+1)
			}
			steps = append(steps, s)
			add(m)
		}
	}

	return allowed, steps, nil
}

// isGlob reports whether the path contains glob metacharacters.
func isGlob(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}

// globRel expands pattern against root and returns sorted root-relative
// matches.
func globRel(root, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, err
	}
	rel := make([]string, 0, len(matches))
	for _, m := range matches {
		r, err := filepath.Rel(root, m)
		if err != nil {
			continue
		}
		rel = append(rel, r)
	}
	sort.Strings(rel)
	return rel, nil
}

// injectFiles reads the current content of every allowed file that exists.
func injectFiles(root string, allowed []string) map[string]string {
	files := make(map[string]string)
	for _, f := range allowed {
		raw, err := os.ReadFile(filepath.Join(root, f))
		if err != nil {
			continue
		}
		files[f] = string(raw)
	}
	return files
}

// checkAllowed enforces the allowed-files constraint: the path must be in
// the allowed set and must not escape the workspace.
func checkAllowed(root, path string, allowed []string) error {
	escapes, err := escapingfs.PathEscapesWorkspace(root, path)
	if err != nil {
		return err
	}
	if escapes {
		return fmt.Errorf("file %q escapes the workspace", path)
	}
	for _, a := range allowed {
		if a == path {
			return nil
		}
	}
	return fmt.Errorf("file %q is not in the plan's allowed files", path)
}

// diffFiles extracts the touched paths from a unified diff.
func diffFiles(diff string) []string {
	seen := make(map[string]struct{})
	var files []string
	for _, line := range strings.Split(diff, "\n") {
		var path string
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			path = strings.TrimPrefix(line, "+++ b/")
		case strings.HasPrefix(line, "--- a/"):
			path = strings.TrimPrefix(line, "--- a/")
		default:
			continue
		}
		path = strings.TrimSpace(path)
		if path == "" || path == "/dev/null" {
			continue
		}
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files
}

// timeNow is indirected for tests that need deterministic timestamps.
var timeNow = time.Now
