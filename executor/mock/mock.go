// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides scriptable in-memory phase executors. Tests and
// local dry runs wire these into the worker in place of the external
// LLM-backed executors. The zero value of Executors walks a run through the
// happy path; individual function fields override single phases.
package mock

import (
	"context"
	"sync"

	"github.com/hashicorp/forge/executor"
	"github.com/hashicorp/forge/handoff"
)

// Executors implements all four executor contracts with overridable
// function fields. It is safe for concurrent use.
type Executors struct {
	PlanFn      func(ctx context.Context, req executor.PlanRequest) (*executor.Plan, error)
	ImplementFn func(ctx context.Context, req executor.ImplementRequest) (*executor.StepResult, error)
	ReviewFn    func(ctx context.Context, req executor.ReviewRequest) (*executor.Review, error)
	TestFn      func(ctx context.Context, req executor.TestRequest) (*executor.TestResult, error)

	mu    sync.Mutex
	calls map[string]int
}

// New returns happy-path executors: a one-step plan requiring tests, a
// trivial file write, an approving review, and a passing test run.
func New() *Executors {
	return &Executors{}
}

// Set bundles the mock into an executor.Set.
func (e *Executors) Set() executor.Set {
	return executor.Set{Planner: e, Implementor: e, Reviewer: e, Tester: e}
}

// Calls returns how many times the named phase executor ran.
func (e *Executors) Calls(agent string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[agent]
}

func (e *Executors) record(agent string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[agent]++
	return e.calls[agent]
}

func (e *Executors) Plan(ctx context.Context, req executor.PlanRequest) (*executor.Plan, error) {
	e.record("planner")
	if e.PlanFn != nil {
		return e.PlanFn(ctx, req)
	}
	return &executor.Plan{
		TaskID:       req.RunID,
		Summary:      "mock plan",
		AllowedFiles: []string{"NOTES.md"},
		Steps: []executor.PlanStep{
			{ID: "step-1", File: "NOTES.md", Description: "write the notes file"},
		},
		Tasks: []executor.PlanTask{
			{ID: "task-1", Title: req.Prompt, RequiresTests: true},
		},
	}, nil
}

func (e *Executors) Implement(ctx context.Context, req executor.ImplementRequest) (*executor.StepResult, error) {
	e.record("implementor")
	if e.ImplementFn != nil {
		return e.ImplementFn(ctx, req)
	}
	return &executor.StepResult{
		StepID:  req.Step.ID,
		Summary: "mock implementation",
		Mutations: []executor.Mutation{
			executor.WriteFile(req.Step.File, "mock content for "+req.Step.ID+"\n"),
		},
	}, nil
}

func (e *Executors) Review(ctx context.Context, req executor.ReviewRequest) (*executor.Review, error) {
	e.record("reviewer")
	if e.ReviewFn != nil {
		return e.ReviewFn(ctx, req)
	}
	return &executor.Review{Decision: handoff.DecisionApproved}, nil
}

func (e *Executors) Test(ctx context.Context, req executor.TestRequest) (*executor.TestResult, error) {
	e.record("tester")
	if e.TestFn != nil {
		return e.TestFn(ctx, req)
	}
	return &executor.TestResult{Status: executor.TestStatusPassed, Output: "ok"}, nil
}

// ReviewSequence returns a ReviewFn that replays the given reviews in
// order, repeating the last one once the script runs out.
func ReviewSequence(reviews ...*executor.Review) func(context.Context, executor.ReviewRequest) (*executor.Review, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, req executor.ReviewRequest) (*executor.Review, error) {
		mu.Lock()
		defer mu.Unlock()
		r := reviews[i]
		if i < len(reviews)-1 {
			i++
		}
		return r, nil
	}
}
