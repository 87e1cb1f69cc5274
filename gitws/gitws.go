// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package gitws drives the per-run git workspace by shelling out to the git
// binary: clone, base-branch resolution, work-branch creation, patch
// application and diff extraction. The process runner is an interface so
// tests substitute a fake without spawning git.
package gitws

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	hclog "github.com/hashicorp/go-hclog"
	version "github.com/hashicorp/go-version"
)

// minGitVersion is the oldest git supporting the flags we rely on
// (--recount on apply, --verify --quiet on rev-parse).
var minGitVersion = version.Must(version.NewVersion("2.20.0"))

// slugMax caps the slug portion of a work branch name.
const slugMax = 40

// Workspace runs git operations for the worker's plan and implement phases.
type Workspace struct {
	runner Runner
	logger hclog.Logger
}

// New builds a Workspace around runner. Pass NewExecRunner for the real git
// binary.
func New(runner Runner, logger hclog.Logger) *Workspace {
	if logger == nil {
		logger = hclog.Default()
	}
	return &Workspace{
		runner: runner,
		logger: logger.Named("gitws"),
	}
}

// CheckVersion verifies the git binary is present and recent enough.
func (w *Workspace) CheckVersion(ctx context.Context) error {
	out, err := w.runner.Run(ctx, "", "", "version")
	if err != nil {
		return fmt.Errorf("git binary unavailable: %w", err)
	}
	// "git version 2.39.5" and friends
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		w.logger.Warn("git version produced no output")
		return nil
	}
	v, err := version.NewVersion(fields[len(fields)-1])
	if err != nil {
		w.logger.Warn("could not parse git version", "output", strings.TrimSpace(out))
		return nil
	}
	if v.LessThan(minGitVersion) {
		return fmt.Errorf("git %s is older than required %s", v, minGitVersion)
	}
	return nil
}

// Clone clones url into dir. Any previous contents of dir are removed
// first, so a retried plan phase starts from a clean tree.
func (w *Workspace) Clone(ctx context.Context, url, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace parent: %w", err)
	}

	w.logger.Info("cloning repository", "url", url, "dir", dir)
	if _, err := w.runner.Run(ctx, "", "", "clone", url, dir); err != nil {
		return fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return nil
}

// ResolveBaseBranch picks the branch new work is based on: the preferred
// branch when it exists, else main, else master, else the clone's HEAD. The
// resolved branch is checked out.
func (w *Workspace) ResolveBaseBranch(ctx context.Context, dir, preferred string) (string, error) {
	candidates := []string{}
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	candidates = append(candidates, "main", "master")

	for _, branch := range candidates {
		if _, err := w.runner.Run(ctx, dir, "", "rev-parse", "--verify", "--quiet", branch); err != nil {
			continue
		}
		if _, err := w.runner.Run(ctx, dir, "", "checkout", branch); err != nil {
			return "", fmt.Errorf("failed to checkout base branch %s: %w", branch, err)
		}
		return branch, nil
	}

	out, err := w.runner.Run(ctx, dir, "", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CreateBranch creates and checks out the work branch.
func (w *Workspace) CreateBranch(ctx context.Context, dir, name string) error {
	if _, err := w.runner.Run(ctx, dir, "", "checkout", "-b", name); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// Apply applies a unified diff to the working tree.
func (w *Workspace) Apply(ctx context.Context, dir, diff string) error {
	if _, err := w.runner.Run(ctx, dir, diff, "apply", "--whitespace=nowarn", "--recount"); err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	return nil
}

// Diff returns the working-tree diff restricted to files. An empty files
// list diffs the whole tree.
func (w *Workspace) Diff(ctx context.Context, dir string, files []string) (string, error) {
	args := []string{"diff", "--"}
	args = append(args, files...)
	out, err := w.runner.Run(ctx, dir, "", args...)
	if err != nil {
		return "", fmt.Errorf("failed to diff: %w", err)
	}
	return out, nil
}

// BranchName derives the work branch name from the branch prefix and the
// task prompt.
func BranchName(prefix, prompt string) string {
	return prefix + "/" + Slug(prompt)
}

// Slug lowercases s, collapses every non-alphanumeric rune run to a single
// '-', trims leading and trailing dashes, and caps the result at 40 runes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > slugMax {
		out = strings.TrimRight(out[:slugMax], "-")
	}
	if out == "" {
		out = "task"
	}
	return out
}
