// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package queue implements the durable job queue and run-lease store backing
// the worker fleet.
//
// The store is a single SQLite database with two tables:
//
//	jobs      (id, run_id, phase, status, attempt, created_at, updated_at, last_error)
//	run_locks (run_id, locked_at, owner)
//
// All timestamps are ISO-8601 UTC strings with millisecond precision.
// Transactions open with BEGIN IMMEDIATE (the _txlock DSN option) so the
// claim and lease operations are linearized by the database write lock;
// concurrency across worker processes needs no other coordination.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/hashicorp/forge/structs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config tunes a Store. The zero value picks the defaults.
type Config struct {
	// LeaseTimeout bounds how long a silent worker holds a run. Jobs and
	// leases older than this are stale.
	LeaseTimeout time.Duration

	// Logger receives store-level logging; defaults to hclog.Default
	// named "queue".
	Logger hclog.Logger
}

// Store is an explicit handle on the queue database, constructed once at
// program start and threaded into workers and commands.
type Store struct {
	db           *sqlx.DB
	logger       hclog.Logger
	leaseTimeout time.Duration
}

// Open opens (creating if necessary) the queue database at path and applies
// any pending schema migrations.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = structs.DefaultLeaseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_fk=1", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// A single connection per handle; cross-worker concurrency is
	// process-level and mediated by SQLite's write lock.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate queue database: %w", err)
	}

	return &Store{
		db:           db,
		logger:       cfg.Logger.Named("queue"),
		leaseTimeout: cfg.LeaseTimeout,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LeaseTimeout returns the configured staleness bound.
func (s *Store) LeaseTimeout() time.Duration {
	return s.leaseTimeout
}

func (s *Store) now() string {
	return structs.FormatTime(time.Now())
}

// stale returns whether ts is older than the lease timeout relative to
// nowMs. Unparseable timestamps are treated as stale, which errs on the
// side of recovery.
func (s *Store) stale(ts string, nowMs int64) bool {
	ms, err := structs.TimestampMillis(ts)
	if err != nil {
		return true
	}
	return nowMs-ms > s.leaseTimeout.Milliseconds()
}

// Enqueue inserts a queued job for one phase of one run and returns its id.
// It does not police the one-live-job-per-run invariant; callers enqueue the
// next phase only after the previous one acked.
func (s *Store) Enqueue(ctx context.Context, runID string, phase structs.Phase) (int64, error) {
	if !phase.Valid() {
		return 0, fmt.Errorf("invalid phase %q", phase)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (run_id, phase, status, attempt, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		runID, phase, structs.JobStatusQueued, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s job for run %s: %w", phase, runID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	metrics.IncrCounter([]string{"forge", "queue", "enqueued"}, 1)
	s.logger.Debug("enqueued job", "job_id", id, "run_id", runID, "phase", phase)
	return id, nil
}

// ClaimOne atomically claims the oldest queued job: it becomes in_progress
// with attempt incremented, and the updated view is returned. Returns nil
// when the queue is empty. FIFO order is (created_at, id) ascending.
func (s *Store) ClaimOne(ctx context.Context) (*structs.Job, error) {
	defer metrics.MeasureSince([]string{"forge", "queue", "claim"}, time.Now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var job structs.Job
	err = tx.GetContext(ctx, &job, `
		SELECT id, run_id, phase, status, attempt, created_at, updated_at, last_error
		FROM jobs WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`,
		structs.JobStatusQueued)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queued job: %w", err)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempt = attempt + 1, updated_at = ?
		WHERE id = ?`,
		structs.JobStatusInProgress, now, job.ID); err != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = structs.JobStatusInProgress
	job.Attempt++
	job.UpdatedAt = now

	metrics.IncrCounter([]string{"forge", "queue", "claimed"}, 1)
	return &job, nil
}

// Requeue returns a job to the queued state, used when the run lease could
// not be acquired. Only an in_progress job moves; a job that was cancelled
// out from under its worker stays cancelled.
func (s *Store) Requeue(ctx context.Context, jobID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		structs.JobStatusQueued, s.now(), jobID, structs.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("requeue skipped, job left in_progress", "job_id", jobID)
		return nil
	}
	metrics.IncrCounter([]string{"forge", "queue", "requeued"}, 1)
	return nil
}

// MarkDone records a job's terminal success. The update is predicated on the
// job still being in_progress so a concurrent cancel is never overwritten;
// losing the race is not an error.
func (s *Store) MarkDone(ctx context.Context, jobID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		structs.JobStatusDone, s.now(), jobID, structs.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark job %d done: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("ack skipped, job left in_progress", "job_id", jobID)
		return nil
	}
	metrics.IncrCounter([]string{"forge", "queue", "done"}, 1)
	return nil
}

// MarkFailed records a job's terminal failure along with its error message.
// Predicated on in_progress like MarkDone; a cancelled job keeps its
// cancelled status.
func (s *Store) MarkFailed(ctx context.Context, jobID int64, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		structs.JobStatusFailed, s.now(), msg, jobID, structs.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark job %d failed: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("fail skipped, job left in_progress", "job_id", jobID)
		return nil
	}
	metrics.IncrCounter([]string{"forge", "queue", "failed"}, 1)
	return nil
}

// Touch bumps a job's updated_at without changing its status. The worker
// heartbeat calls this so the recovery sweeper leaves live jobs alone.
func (s *Store) Touch(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET updated_at = ? WHERE id = ?`, s.now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to touch job %d: %w", jobID, err)
	}
	return nil
}

// CancelRun moves every queued and in_progress job of the run to cancelled
// and returns how many rows changed. Idempotent.
func (s *Store) CancelRun(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE run_id = ? AND status IN (?, ?)`,
		structs.JobStatusCancelled, s.now(), runID,
		structs.JobStatusQueued, structs.JobStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs for run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.IncrCounter([]string{"forge", "queue", "cancelled"}, float32(n))
		s.logger.Info("cancelled jobs", "run_id", runID, "jobs", n)
	}
	return n, nil
}

// AcquireLease attempts to take exclusive tenancy of a run. It succeeds when
// no lease exists or when the existing lease is stale (in which case it is
// stolen). Returns false when another worker holds a live lease.
func (s *Store) AcquireLease(ctx context.Context, runID, owner string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lease acquire: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	var lock structs.RunLock
	err = tx.GetContext(ctx, &lock, `
		SELECT run_id, locked_at, owner FROM run_locks WHERE run_id = ?`, runID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_locks (run_id, locked_at, owner) VALUES (?, ?, ?)`,
			runID, structs.FormatTime(now), owner); err != nil {
			return false, fmt.Errorf("failed to insert lease for run %s: %w", runID, err)
		}
	case err != nil:
		return false, fmt.Errorf("failed to read lease for run %s: %w", runID, err)
	default:
		if !s.stale(lock.LockedAt, now.UnixMilli()) {
			return false, nil
		}
		// stale holder; seize the lease
		if _, err := tx.ExecContext(ctx, `
			UPDATE run_locks SET locked_at = ?, owner = ? WHERE run_id = ?`,
			structs.FormatTime(now), owner, runID); err != nil {
			return false, fmt.Errorf("failed to steal lease for run %s: %w", runID, err)
		}
		metrics.IncrCounter([]string{"forge", "queue", "lease", "stolen"}, 1)
		s.logger.Warn("stole stale lease", "run_id", runID, "previous_owner", lock.Owner, "owner", owner)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease acquire: %w", err)
	}
	return true, nil
}

// ReleaseLease drops the lease iff owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM run_locks WHERE run_id = ? AND owner = ?`, runID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease for run %s: %w", runID, err)
	}
	return nil
}

// TouchLease renews the lease iff owner still holds it.
func (s *Store) TouchLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_locks SET locked_at = ? WHERE run_id = ? AND owner = ?`,
		s.now(), runID, owner)
	if err != nil {
		return fmt.Errorf("failed to touch lease for run %s: %w", runID, err)
	}
	return nil
}

// ForceReleaseLease drops the lease regardless of owner. Cancellation path.
func (s *Store) ForceReleaseLease(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to force release lease for run %s: %w", runID, err)
	}
	return nil
}

// Stats returns an informational snapshot of queue depth and lease count.
func (s *Store) Stats(ctx context.Context) (structs.QueueStats, error) {
	var stats structs.QueueStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs WHERE status = ?),
			(SELECT COUNT(*) FROM jobs WHERE status = ?),
			(SELECT COUNT(*) FROM run_locks)`,
		structs.JobStatusQueued, structs.JobStatusInProgress)
	if err := row.Scan(&stats.Queued, &stats.InProgress, &stats.LeaseCount); err != nil {
		return structs.QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// RecoverStale is the recovery sweeper. In one transaction it requeues every
// in_progress job whose updated_at has aged past the lease timeout, then
// deletes every lease that is stale by the same rule or that belongs to a
// run whose job was just recovered. Either condition alone releases a lease.
// Idempotent: a second sweep over the same state is a no-op.
func (s *Store) RecoverStale(ctx context.Context) (structs.RecoveryCounts, error) {
	defer metrics.MeasureSince([]string{"forge", "queue", "recover"}, time.Now())

	var counts structs.RecoveryCounts

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin recovery: %w", err)
	}
	defer tx.Rollback()

	nowT := time.Now()
	now := structs.FormatTime(nowT)
	nowMs := nowT.UnixMilli()

	var inProgress []structs.Job
	if err := tx.SelectContext(ctx, &inProgress, `
		SELECT id, run_id, phase, status, attempt, created_at, updated_at, last_error
		FROM jobs WHERE status = ?`,
		structs.JobStatusInProgress); err != nil {
		return counts, fmt.Errorf("failed to select in_progress jobs: %w", err)
	}

	recoveredRuns := make(map[string]struct{})
	for _, job := range inProgress {
		if !s.stale(job.UpdatedAt, nowMs) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?,
				last_error = COALESCE(last_error, ?)
			WHERE id = ?`,
			structs.JobStatusQueued, now, structs.StaleJobError, job.ID); err != nil {
			return counts, fmt.Errorf("failed to requeue stale job %d: %w", job.ID, err)
		}
		counts.RequeuedJobs++
		recoveredRuns[job.RunID] = struct{}{}
	}

	var locks []structs.RunLock
	if err := tx.SelectContext(ctx, &locks, `
		SELECT run_id, locked_at, owner FROM run_locks`); err != nil {
		return counts, fmt.Errorf("failed to select leases: %w", err)
	}

	for _, lock := range locks {
		_, recovered := recoveredRuns[lock.RunID]
		if !recovered && !s.stale(lock.LockedAt, nowMs) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM run_locks WHERE run_id = ?`, lock.RunID); err != nil {
			return counts, fmt.Errorf("failed to release stale lease for run %s: %w", lock.RunID, err)
		}
		counts.ReleasedLeases++
	}

	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("failed to commit recovery: %w", err)
	}

	if counts.RequeuedJobs > 0 || counts.ReleasedLeases > 0 {
		metrics.IncrCounter([]string{"forge", "queue", "recovered_jobs"}, float32(counts.RequeuedJobs))
		metrics.IncrCounter([]string{"forge", "queue", "released_leases"}, float32(counts.ReleasedLeases))
	}
	return counts, nil
}

// JobsForRun lists every job of a run ordered by id.
func (s *Store) JobsForRun(ctx context.Context, runID string) ([]structs.Job, error) {
	var jobs []structs.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT id, run_id, phase, status, attempt, created_at, updated_at, last_error
		FROM jobs WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for run %s: %w", runID, err)
	}
	return jobs, nil
}

// AllJobs lists every job in the store ordered by id.
func (s *Store) AllJobs(ctx context.Context) ([]structs.Job, error) {
	var jobs []structs.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT id, run_id, phase, status, attempt, created_at, updated_at, last_error
		FROM jobs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
