// Package worker implements the claim/execute/report loop.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
	"github.com/ballotwatch/acta-harvester/internal/metrics"
)

// Limiter is the throttle discipline a worker applies before each request.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

// Config controls Worker behavior.
type Config struct {
	// IdleInterval is how long to sleep when the queue is temporarily empty.
	IdleInterval time.Duration
	// ClaimBackoff is how long to back off after a store error before
	// retrying the whole claim cycle.
	ClaimBackoff time.Duration
}

// Worker drives one job at a time through the executor under store and
// rate-limiter discipline.
type Worker struct {
	id       string
	store    harvest.Store
	limiter  Limiter
	executor harvest.Executor
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	store harvest.Store,
	limiter Limiter,
	executor harvest.Executor,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 2 * time.Second
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = 5 * time.Second
	}
	return &Worker{
		id:       id,
		store:    store,
		limiter:  limiter,
		executor: executor,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, claiming and executing jobs until the context finishes. A
// single job's failure never terminates the loop.
func (w *Worker) Run(ctx context.Context) {
	w.register(ctx)
	defer w.deregister()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Store unavailability is not "queue empty": back off and
			// retry the whole cycle.
			w.logger.Error("claim failed", zap.Error(err))
			if sleepContext(ctx, w.cfg.ClaimBackoff) != nil {
				return
			}
			continue
		}
		if job == nil {
			if sleepContext(ctx, w.cfg.IdleInterval) != nil {
				return
			}
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) claim(ctx context.Context) (*harvest.Job, error) {
	start := time.Now()
	job, err := w.store.Claim(ctx, w.id)
	if err != nil {
		return nil, err
	}
	metrics.ObserveClaim(time.Since(start))
	if job != nil {
		if terr := w.store.TouchSession(ctx, w.id, w.clock.Now()); terr != nil {
			w.logger.Debug("touch session failed", zap.Error(terr))
		}
	}
	return job, nil
}

func (w *Worker) processJob(ctx context.Context, job *harvest.Job) {
	w.logger.Debug("claimed job",
		zap.Int64("job_id", job.ID),
		zap.String("key", job.Key.String()),
		zap.Int("attempt", job.Attempts),
	)

	if err := w.limiter.Wait(ctx); err != nil {
		// Shutdown hit mid-wait: hand the job back instead of holding the
		// claim until the reaper notices.
		w.release(job)
		return
	}

	result, err := w.executor.Execute(ctx, *job)
	if err != nil {
		w.reportFailure(ctx, job, err)
		return
	}
	w.reportSuccess(ctx, job, result)
}

func (w *Worker) reportSuccess(ctx context.Context, job *harvest.Job, result harvest.Result) {
	applied, err := w.store.Complete(ctx, job.ID, w.id, result)
	if err != nil {
		w.logger.Error("complete failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if !applied {
		// The job was reaped and possibly reassigned while we worked it.
		w.logger.Debug("stale completion ignored", zap.Int64("job_id", job.ID))
		return
	}
	w.limiter.RecordSuccess()
	metrics.ObserveJob("completed")
	if err := w.store.RecordOutcome(ctx, w.id, true, w.clock.Now()); err != nil {
		w.logger.Debug("record outcome failed", zap.Error(err))
	}
	w.logger.Info("job completed",
		zap.Int64("job_id", job.ID),
		zap.String("key", job.Key.String()),
		zap.String("artifact", result.ArtifactURI),
	)
}

func (w *Worker) reportFailure(ctx context.Context, job *harvest.Job, execErr error) {
	retryable := !harvest.IsPermanent(execErr)
	applied, err := w.store.Fail(ctx, job.ID, w.id, execErr.Error(), retryable)
	if err != nil {
		w.logger.Error("fail report failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if !applied {
		w.logger.Debug("stale failure ignored", zap.Int64("job_id", job.ID))
		return
	}
	w.limiter.RecordError()
	if retryable {
		metrics.ObserveJob("retried")
	} else {
		metrics.ObserveJob("failed")
	}
	if err := w.store.RecordOutcome(ctx, w.id, false, w.clock.Now()); err != nil {
		w.logger.Debug("record outcome failed", zap.Error(err))
	}
	w.logger.Warn("job failed",
		zap.Int64("job_id", job.ID),
		zap.String("key", job.Key.String()),
		zap.Int("attempt", job.Attempts),
		zap.Bool("retryable", retryable),
		zap.Error(execErr),
	)
}

// release returns a claimed-but-unworked job to the retry pool during
// shutdown. It must not route through Fail: a job claimed on its last
// allowed attempt would be terminally failed without ever running.
func (w *Worker) release(job *harvest.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.store.Release(ctx, job.ID, w.id); err != nil {
		w.logger.Warn("release on shutdown failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) register(ctx context.Context) {
	now := w.clock.Now()
	err := w.store.UpsertSession(ctx, harvest.WorkerSession{
		WorkerID:     w.id,
		StartedAt:    now,
		LastActivity: now,
		Active:       true,
	})
	if err != nil {
		w.logger.Warn("session registration failed", zap.Error(err))
	}
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.DeactivateSession(ctx, w.id, w.clock.Now()); err != nil {
		w.logger.Debug("session deactivation failed", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
