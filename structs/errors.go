// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
)

const (
	errRunCancelled  = "Run cancelled."
	errMaxAttempts   = "Max attempts exceeded."
	errStaleJob      = "Recovered stale in_progress job."
	errCancelledNote = "Cancelled by user."
)

var (
	// ErrRunCancelled is raised by a phase handler that observes a cancelled
	// handoff. The worker fails the job with this message but leaves the
	// cancelled handoff untouched.
	ErrRunCancelled = errors.New(errRunCancelled)

	// ErrMaxAttempts is recorded on a job whose claim exceeded MaxAttempts.
	ErrMaxAttempts = errors.New(errMaxAttempts)
)

// StaleJobError is the last_error recorded on a job requeued by the recovery
// sweeper, unless the job already carried an error.
const StaleJobError = errStaleJob

// CancelledNote is appended to a handoff cancelled through the CLI.
const CancelledNote = errCancelledNote

// IsCancelled returns whether err is, or wraps, a run cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRunCancelled)
}
