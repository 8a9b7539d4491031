// Package postgres provides the Postgres-backed Store implementation. The
// jobs table is the coordination substrate for the whole worker fleet, so
// every status mutation here is a single atomic statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
)

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN         string
	MaxConns    int32
	MinConns    int32
	MaxAttempts int
}

// JobStore implements harvest.Store on Postgres.
type JobStore struct {
	pool        dbPool
	maxAttempts int
	clock       harvest.Clock
}

// NewJobStore connects a pool and returns the store.
func NewJobStore(ctx context.Context, cfg Config, clock harvest.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be > 0")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, maxAttempts: cfg.MaxAttempts, clock: clock}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewJobStoreWithPool(pool dbPool, maxAttempts int, clock harvest.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be > 0")
	}
	return &JobStore{pool: pool, maxAttempts: maxAttempts, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	region TEXT NOT NULL,
	subregion TEXT NOT NULL,
	zone TEXT NOT NULL,
	station TEXT NOT NULL,
	category TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	owner TEXT,
	last_error TEXT,
	result TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	UNIQUE (region, subregion, zone, station, category)
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (priority DESC, created_at ASC) WHERE status IN ('pending', 'retry');
CREATE TABLE IF NOT EXISTS worker_sessions (
	worker_id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	completed_count BIGINT NOT NULL DEFAULT 0,
	failed_count BIGINT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE
);`

// EnsureSchema creates the jobs and worker_sessions tables when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const insertJobSQL = `
INSERT INTO jobs (region, subregion, zone, station, category, priority, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $7)
ON CONFLICT (region, subregion, zone, station, category) DO NOTHING;`

// InsertJobs bulk-inserts jobs, skipping natural keys that already exist.
func (s *JobStore) InsertJobs(ctx context.Context, jobs []harvest.Job) (int, error) {
	now := s.clock.Now()
	inserted := 0
	for _, job := range jobs {
		tag, err := s.pool.Exec(ctx, insertJobSQL,
			job.Key.Region,
			job.Key.Subregion,
			job.Key.Zone,
			job.Key.Station,
			job.Key.Category,
			job.Priority,
			now,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert job %s: %w", job.Key, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// claimSQL picks one claimable job under FOR UPDATE SKIP LOCKED so that
// competing claimants skip locked rows instead of blocking on them. The
// surrounding UPDATE makes select-lock-update one atomic statement.
const claimSQL = `
WITH next AS (
	SELECT id FROM jobs
	WHERE status IN ('pending', 'retry')
	ORDER BY priority DESC, created_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
UPDATE jobs SET status = 'in_progress', owner = $1, attempts = attempts + 1, updated_at = $2
WHERE id IN (SELECT id FROM next)
RETURNING id, region, subregion, zone, station, category, priority, status, attempts, owner, last_error, result, created_at, updated_at, completed_at;`

// Claim atomically assigns one job to workerID. A nil job with a nil error
// means the queue is temporarily empty.
func (s *JobStore) Claim(ctx context.Context, workerID string) (*harvest.Job, error) {
	row := s.pool.QueryRow(ctx, claimSQL, workerID, s.clock.Now())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

const completeSQL = `
UPDATE jobs SET status = 'completed', owner = NULL, result = $3, completed_at = $4, updated_at = $4
WHERE id = $1 AND owner = $2 AND status = 'in_progress';`

// Complete marks a job completed. Zero rows affected means the ownership
// check failed, which the caller treats as a stale report.
func (s *JobStore) Complete(ctx context.Context, jobID int64, workerID string, result harvest.Result) (bool, error) {
	tag, err := s.pool.Exec(ctx, completeSQL, jobID, workerID, result.ArtifactURI, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const failSQL = `
UPDATE jobs SET
	status = CASE WHEN $4 AND attempts < $5 THEN 'retry' ELSE 'failed' END,
	owner = NULL,
	last_error = $3,
	updated_at = $6
WHERE id = $1 AND owner = $2 AND status = 'in_progress';`

// Fail records a failure, deciding retry versus terminal failure inside the
// statement so the attempt comparison cannot race a concurrent reap.
func (s *JobStore) Fail(ctx context.Context, jobID int64, workerID, errMsg string, retryable bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, failSQL, jobID, workerID, errMsg, retryable, s.maxAttempts, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const releaseSQL = `
UPDATE jobs SET status = 'retry', owner = NULL, last_error = 'worker shutdown', updated_at = $3
WHERE id = $1 AND owner = $2 AND status = 'in_progress';`

// Release hands a claimed-but-unworked job back to the retry pool on
// shutdown. The transition mirrors ReapStale, so the attempt limit never
// applies; the job was charged an attempt it did not get to use.
func (s *JobStore) Release(ctx context.Context, jobID int64, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, releaseSQL, jobID, workerID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("release job %d: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const reapSQL = `
UPDATE jobs SET status = 'retry', owner = NULL, last_error = 'claim timeout', updated_at = $2
WHERE status = 'in_progress' AND updated_at < $1;`

// ReapStale bulk-recovers jobs abandoned by crashed workers.
func (s *JobStore) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, reapSQL, now.Add(-timeout), now)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const resetSQL = `
UPDATE jobs SET status = 'pending', owner = NULL, attempts = 0, last_error = NULL, updated_at = $1
WHERE status IN ('failed', 'retry');`

// ResetFailed moves failed and retry jobs back to pending.
func (s *JobStore) ResetFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, resetSQL, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const statsSQL = `SELECT status, COUNT(*) FROM jobs GROUP BY status;`

const activeWorkersSQL = `SELECT COUNT(*) FROM worker_sessions WHERE active;`

// Stats returns per-status counts plus the active-worker count.
func (s *JobStore) Stats(ctx context.Context) (harvest.QueueStats, error) {
	rows, err := s.pool.Query(ctx, statsSQL)
	if err != nil {
		return harvest.QueueStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats harvest.QueueStats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return harvest.QueueStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch harvest.JobStatus(status) {
		case harvest.JobStatusPending:
			stats.Pending = count
		case harvest.JobStatusInProgress:
			stats.InProgress = count
		case harvest.JobStatusCompleted:
			stats.Completed = count
		case harvest.JobStatusFailed:
			stats.Failed = count
		case harvest.JobStatusRetry:
			stats.Retry = count
		}
	}
	if err := rows.Err(); err != nil {
		return harvest.QueueStats{}, fmt.Errorf("iterate stats rows: %w", err)
	}

	if err := s.pool.QueryRow(ctx, activeWorkersSQL).Scan(&stats.ActiveWorkers); err != nil {
		return harvest.QueueStats{}, fmt.Errorf("count active workers: %w", err)
	}
	return stats, nil
}

const upsertSessionSQL = `
INSERT INTO worker_sessions (worker_id, started_at, last_activity, completed_count, failed_count, active)
VALUES ($1, $2, $3, 0, 0, TRUE)
ON CONFLICT (worker_id) DO UPDATE
SET started_at = EXCLUDED.started_at,
	last_activity = EXCLUDED.last_activity,
	completed_count = 0,
	failed_count = 0,
	active = TRUE;`

// UpsertSession registers a worker session with fresh counters.
func (s *JobStore) UpsertSession(ctx context.Context, session harvest.WorkerSession) error {
	_, err := s.pool.Exec(ctx, upsertSessionSQL, session.WorkerID, session.StartedAt, session.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", session.WorkerID, err)
	}
	return nil
}

const recordOutcomeSQL = `
UPDATE worker_sessions SET
	completed_count = completed_count + CASE WHEN $2 THEN 1 ELSE 0 END,
	failed_count = failed_count + CASE WHEN $2 THEN 0 ELSE 1 END,
	last_activity = $3
WHERE worker_id = $1;`

// RecordOutcome bumps the session's completed or failed counter.
func (s *JobStore) RecordOutcome(ctx context.Context, workerID string, completed bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, recordOutcomeSQL, workerID, completed, at)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

const touchSessionSQL = `UPDATE worker_sessions SET last_activity = $2 WHERE worker_id = $1;`

// TouchSession refreshes the session's last-activity timestamp.
func (s *JobStore) TouchSession(ctx context.Context, workerID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, touchSessionSQL, workerID, at)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

const deactivateSessionSQL = `UPDATE worker_sessions SET active = FALSE, last_activity = $2 WHERE worker_id = $1;`

// DeactivateSession marks a session inactive on clean shutdown.
func (s *JobStore) DeactivateSession(ctx context.Context, workerID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, deactivateSessionSQL, workerID, at)
	if err != nil {
		return fmt.Errorf("deactivate session %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*harvest.Job, error) {
	var (
		job       harvest.Job
		status    string
		owner     *string
		lastError *string
		result    *string
	)
	err := row.Scan(
		&job.ID,
		&job.Key.Region,
		&job.Key.Subregion,
		&job.Key.Zone,
		&job.Key.Station,
		&job.Key.Category,
		&job.Priority,
		&status,
		&job.Attempts,
		&owner,
		&lastError,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = harvest.JobStatus(status)
	if owner != nil {
		job.Owner = *owner
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	if result != nil {
		job.Result = *result
	}
	return &job, nil
}
