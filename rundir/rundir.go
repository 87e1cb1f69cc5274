// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package rundir owns the on-disk layout of a data root:
//
//	<root>/runs/<run_id>/        handoff.json, task.json, per-phase artifacts
//	<root>/workspaces/<run_id>/  git clone, removed after pr unless kept
//	<root>/queue.db              queue store
//
// Every JSON write goes through a temp file and a rename, so a reader never
// observes a partial document. The lease, not the filesystem, serializes
// writers: at most one worker writes a run's directory at a time.
package rundir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/forge/handoff"
	"github.com/hashicorp/forge/helper/escapingfs"
)

// Canonical artifact names. The artifact map of a fresh handoff points at
// these.
const (
	TaskFile        = "task.json"
	HandoffFile     = "handoff.json"
	PlanFile        = "plan.json"
	ImplementorFile = "implementor.json"
	ReviewFile      = "review.json"
	TestFile        = "test.json"
	PRDraftFile     = "pr-draft.json"
	QueueFile       = "queue.db"
)

// ErrorFile returns the error-sibling name for an artifact, e.g.
// plan.json -> plan.error.json.
func ErrorFile(name string) string {
	base := name[:len(name)-len(filepath.Ext(name))]
	return base + ".error.json"
}

// SnapshotFile returns the handoff snapshot name for an agent, e.g.
// handoff.implementor.json.
func SnapshotFile(agent string) string {
	return fmt.Sprintf("handoff.%s.json", agent)
}

// FailedStepFile returns the per-attempt failure artifact name for the
// implement phase.
func FailedStepFile(attempt int) string {
	return fmt.Sprintf("implementor.failed.%d.json", attempt)
}

// Store resolves run directories under one data root.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory tree is created lazily.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the data root.
func (s *Store) Root() string {
	return s.root
}

// QueuePath returns the queue database location under the root.
func (s *Store) QueuePath() string {
	return filepath.Join(s.root, QueueFile)
}

// RunDir returns the artifact directory of a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

// WorkspaceDir returns the git workspace directory of a run.
func (s *Store) WorkspaceDir(runID string) string {
	return filepath.Join(s.root, "workspaces", runID)
}

// EnsureRun creates the run's artifact directory.
func (s *Store) EnsureRun(runID string) error {
	if err := os.MkdirAll(s.RunDir(runID), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return nil
}

// ListRuns returns the ids of every run directory under the root, in
// lexical order. Run ids are time-ordered, so this is also creation order.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// artifactPath joins name into the run dir, rejecting names that would
// escape it.
func (s *Store) artifactPath(runID, name string) (string, error) {
	dir := s.RunDir(runID)
	escapes, err := escapingfs.PathEscapesWorkspace(dir, name)
	if err != nil {
		return "", err
	}
	if escapes {
		return "", fmt.Errorf("artifact name %q escapes run directory", name)
	}
	return filepath.Join(dir, name), nil
}

// WriteArtifact atomically writes v as indented JSON under the run dir.
func (s *Store) WriteArtifact(runID, name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}
	return s.writeRaw(runID, name, buf.Bytes())
}

// ReadArtifact reads a JSON artifact from the run dir into v.
func (s *Store) ReadArtifact(runID, name string, v any) error {
	path, err := s.artifactPath(runID, name)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}
	return nil
}

// HasArtifact returns whether the named artifact exists for the run.
func (s *Store) HasArtifact(runID, name string) bool {
	path, err := s.artifactPath(runID, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ReadHandoff loads and validates the run's handoff document.
func (s *Store) ReadHandoff(runID string) (handoff.Handoff, error) {
	path, err := s.artifactPath(runID, HandoffFile)
	if err != nil {
		return handoff.Handoff{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return handoff.Handoff{}, fmt.Errorf("failed to read handoff for run %s: %w", runID, err)
	}
	h, err := handoff.Decode(raw)
	if err != nil {
		return handoff.Handoff{}, fmt.Errorf("invalid handoff for run %s: %w", runID, err)
	}
	return h, nil
}

// HasHandoff returns whether the run has a handoff document.
func (s *Store) HasHandoff(runID string) bool {
	return s.HasArtifact(runID, HandoffFile)
}

// WriteHandoff atomically persists the run's handoff document.
func (s *Store) WriteHandoff(runID string, h handoff.Handoff) error {
	raw, err := handoff.Encode(h)
	if err != nil {
		return err
	}
	return s.writeRaw(runID, HandoffFile, raw)
}

// writeRaw writes data to the run dir via temp file + rename.
func (s *Store) writeRaw(runID, name string, data []byte) error {
	path, err := s.artifactPath(runID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	// nested artifact names would put path separators in the pattern
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", name, err)
	}
	return nil
}

// RemoveWorkspace deletes a run's git workspace.
func (s *Store) RemoveWorkspace(runID string) error {
	if err := os.RemoveAll(s.WorkspaceDir(runID)); err != nil {
		return fmt.Errorf("failed to remove workspace for run %s: %w", runID, err)
	}
	return nil
}
