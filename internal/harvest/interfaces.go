package harvest

import (
	"context"
	"time"
)

// Store is the coordination substrate. It is the only component permitted to
// mutate a job's status or owner, and every mutating operation is atomic with
// respect to concurrent callers.
type Store interface {
	// InsertJobs bulk-inserts jobs, skipping rows whose natural key already
	// exists. It returns the number of rows actually inserted.
	InsertJobs(ctx context.Context, jobs []Job) (int, error)

	// Claim atomically assigns one claimable job to workerID, moving it to
	// in_progress and incrementing its attempt counter. It returns (nil, nil)
	// when no eligible job exists; that is an idle signal, not an error.
	Claim(ctx context.Context, workerID string) (*Job, error)

	// Complete marks a job completed with its result. It reports false when
	// the ownership check fails (the job was reaped and possibly reassigned),
	// in which case nothing is written.
	Complete(ctx context.Context, jobID int64, workerID string, result Result) (bool, error)

	// Fail records a failure. Retryable failures below the attempt limit move
	// the job back to retry; everything else is terminal. Same ownership
	// semantics as Complete.
	Fail(ctx context.Context, jobID int64, workerID, errMsg string, retryable bool) (bool, error)

	// Release hands a claimed-but-unworked job back to the retry pool
	// regardless of how many attempts it has used, mirroring the reap
	// transition. Workers call it when shutdown interrupts them between
	// claiming and executing. Same ownership semantics as Complete.
	Release(ctx context.Context, jobID int64, workerID string) (bool, error)

	// ReapStale returns every in_progress job whose last update is older than
	// timeout to the retry pool, clearing its owner. It returns the number of
	// jobs reaped.
	ReapStale(ctx context.Context, timeout time.Duration) (int, error)

	// ResetFailed moves failed and retry jobs back to pending with a fresh
	// attempt counter. Operational surface only; workers never call it.
	ResetFailed(ctx context.Context) (int, error)

	// Stats returns per-status counts plus the number of active workers.
	Stats(ctx context.Context) (QueueStats, error)

	// UpsertSession registers a worker session, resetting its counters.
	UpsertSession(ctx context.Context, session WorkerSession) error

	// RecordOutcome bumps the session's completed or failed counter.
	RecordOutcome(ctx context.Context, workerID string, completed bool, at time.Time) error

	// TouchSession refreshes the session's last-activity timestamp.
	TouchSession(ctx context.Context, workerID string, at time.Time) error

	// DeactivateSession marks a session inactive on clean shutdown.
	DeactivateSession(ctx context.Context, workerID string, at time.Time) error

	// Close releases the underlying resources.
	Close()
}

// Executor performs the actual form extraction for one job. Implementations
// are slow, fallible, and safe to retry; the orchestrator core knows nothing
// else about them.
type Executor interface {
	Execute(ctx context.Context, job Job) (Result, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
