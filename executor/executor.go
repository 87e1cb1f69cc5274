// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package executor defines the contracts between the engine and the four
// LLM-backed phase executors, together with the artifact schemas the engine
// understands. The engine treats artifact content opaquely beyond the fields
// declared here; real executors live outside this repository, and the mock
// subpackage ships a scriptable in-memory implementation for tests and
// local dry runs.
package executor

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/forge/handoff"
)

// Env carries the pass-through environment external executors consume.
type Env struct {
	// OpenAIKey is OPENAI_API_KEY.
	OpenAIKey string

	// Models maps an agent name (planner, implementor, reviewer, tester)
	// to its model override; the empty key holds OPENAI_MODEL.
	Models map[string]string

	// AllowedShellCommands is the parsed ALLOWED_SHELL_COMMANDS gate list.
	AllowedShellCommands []string
}

// EnvFromOS snapshots the executor-relevant process environment.
func EnvFromOS() Env {
	env := Env{
		OpenAIKey: os.Getenv("OPENAI_API_KEY"),
		Models:    map[string]string{"": os.Getenv("OPENAI_MODEL")},
	}
	for agent, key := range map[string]string{
		"planner":     "OPENAI_PLANNER_MODEL",
		"implementor": "OPENAI_IMPLEMENTOR_MODEL",
		"reviewer":    "OPENAI_REVIEWER_MODEL",
		"tester":      "OPENAI_TESTER_MODEL",
	} {
		if v := os.Getenv(key); v != "" {
			env.Models[agent] = v
		}
	}
	if raw := os.Getenv("ALLOWED_SHELL_COMMANDS"); raw != "" {
		for _, cmd := range strings.Split(raw, ",") {
			if cmd = strings.TrimSpace(cmd); cmd != "" {
				env.AllowedShellCommands = append(env.AllowedShellCommands, cmd)
			}
		}
	}
	return env
}

// Model returns the model configured for agent, falling back to the
// default model.
func (e Env) Model(agent string) string {
	if m, ok := e.Models[agent]; ok && m != "" {
		return m
	}
	return e.Models[""]
}

// Plan is the plan.json artifact.
type Plan struct {
	TaskID        string     `json:"task_id"`
	Summary       string     `json:"summary,omitempty"`
	AllowedFiles  []string   `json:"allowed_files"`
	Steps         []PlanStep `json:"steps"`
	Tasks         []PlanTask `json:"tasks"`
	TestCommand   string     `json:"test_command,omitempty"`
	TestFramework string     `json:"test_framework,omitempty"`
}

// PlanStep is one unit of implementation work. File may be a glob pattern;
// the implement phase expands it against the repo root.
type PlanStep struct {
	ID          string `json:"id"`
	File        string `json:"file"`
	Description string `json:"description,omitempty"`
}

// PlanTask is one user-visible task of the plan. RequiresTests on any task
// forces the test phase to actually run.
type PlanTask struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	RequiresTests bool   `json:"requiresTests"`
}

// RequiresTests returns whether any task of the plan demands tests.
func (p *Plan) RequiresTests() bool {
	for _, t := range p.Tasks {
		if t.RequiresTests {
			return true
		}
	}
	return false
}

// PlanRequest is the planner's input.
type PlanRequest struct {
	RunID    string
	Prompt   string
	RepoRoot string
	Handoff  handoff.Handoff
	Env      Env
}

// Planner produces a plan for a freshly cloned workspace.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
}

// MutationKind tags the one-of variants of a Mutation.
type MutationKind string

const (
	MutationWrite  MutationKind = "write_file"
	MutationDelete MutationKind = "delete_file"
	MutationPatch  MutationKind = "apply_patch"
)

// Mutation is a tagged variant describing one repository change: a whole
// file write, a file deletion, or a unified diff. The worker applies all
// three in one place with uniform allowed-files enforcement.
type Mutation struct {
	Kind    MutationKind `json:"kind"`
	Path    string       `json:"path,omitempty"`
	Content string       `json:"content,omitempty"`
	Diff    string       `json:"diff,omitempty"`
}

// WriteFile builds a whole-file write mutation.
func WriteFile(path, content string) Mutation {
	return Mutation{Kind: MutationWrite, Path: path, Content: content}
}

// DeleteFile builds a file deletion mutation.
func DeleteFile(path string) Mutation {
	return Mutation{Kind: MutationDelete, Path: path}
}

// ApplyPatch builds a unified-diff mutation.
func ApplyPatch(diff string) Mutation {
	return Mutation{Kind: MutationPatch, Diff: diff}
}

// StepResult is the implementor's output for one plan step. Mutations, when
// present, take precedence over Diff.
type StepResult struct {
	StepID    string     `json:"step_id"`
	Summary   string     `json:"summary,omitempty"`
	Mutations []Mutation `json:"mutations,omitempty"`
	Diff      string     `json:"diff,omitempty"`
}

// ImplementRequest is the implementor's input for one step. Files carries
// the current on-disk content of every existing allowed file and is
// refreshed between steps.
type ImplementRequest struct {
	RunID    string
	RepoRoot string
	Handoff  handoff.Handoff
	Plan     *Plan
	Step     PlanStep
	Files    map[string]string
	Feedback []string
}

// Implementor turns one plan step into repository mutations.
type Implementor interface {
	Implement(ctx context.Context, req ImplementRequest) (*StepResult, error)
}

// ImplementorResult is the implementor.json artifact: the per-step results
// plus the merged view of what changed.
type ImplementorResult struct {
	TaskID       string       `json:"task_id"`
	Steps        []StepResult `json:"steps"`
	ChangedFiles []string     `json:"changed_files"`
	Diff         string       `json:"diff"`
}

// ReviewRequest is the reviewer's input.
type ReviewRequest struct {
	RunID    string
	RepoRoot string
	Handoff  handoff.Handoff
	Plan     *Plan
	Result   *ImplementorResult
}

// Review is the review.json artifact.
type Review struct {
	Decision handoff.Decision `json:"decision"`
	Reasons  []string         `json:"reasons,omitempty"`
}

// Reviewer judges an implementor result.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*Review, error)
}

// TestRequest is the tester's input.
type TestRequest struct {
	RunID     string
	RepoRoot  string
	Command   string
	Framework string
	Handoff   handoff.Handoff
	Env       Env
}

// TestResult is the test.json artifact. Status must be "passed" for the run
// to proceed; Skipped marks the synthetic result written when the plan
// required no tests.
type TestResult struct {
	Status  string `json:"status"`
	Skipped bool   `json:"skipped,omitempty"`
	Output  string `json:"output,omitempty"`
}

// TestStatusPassed is the only TestResult status that advances the run.
const TestStatusPassed = "passed"

// Tester runs the configured test command in the workspace.
type Tester interface {
	Test(ctx context.Context, req TestRequest) (*TestResult, error)
}

// Set bundles the four executors the worker dispatches to.
type Set struct {
	Planner     Planner
	Implementor Implementor
	Reviewer    Reviewer
	Tester      Tester
}

// Snapshot is the handoff.<agent>.json secondary document: the handoff
// enriched with the plan and the injected file contents handed to the
// implementor and reviewer.
type Snapshot struct {
	Handoff handoff.Handoff   `json:"handoff"`
	Plan    *Plan             `json:"plan,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
}
