// Package orchestrator supervises the worker pool, the stale-claim reaper,
// and the progress monitor.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
	"github.com/ballotwatch/acta-harvester/internal/metrics"
	"github.com/ballotwatch/acta-harvester/internal/worker"
)

// Config controls pool size and the background loop cadence.
type Config struct {
	Workers         int
	IdleInterval    time.Duration
	ClaimBackoff    time.Duration
	ReapInterval    time.Duration
	StaleTimeout    time.Duration
	MonitorInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 5 * time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
}

// Orchestrator owns the worker pool and its supporting loops.
type Orchestrator struct {
	store    harvest.Store
	limiter  worker.Limiter
	executor harvest.Executor
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates an Orchestrator.
func New(
	store harvest.Store,
	limiter worker.Limiter,
	executor harvest.Executor,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:    store,
		limiter:  limiter,
		executor: executor,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// LoadInitialJobs seeds the queue, skipping jobs whose natural key is
// already present.
func (o *Orchestrator) LoadInitialJobs(ctx context.Context, jobs []harvest.Job) (int, error) {
	inserted, err := o.store.InsertJobs(ctx, jobs)
	if err != nil {
		return 0, fmt.Errorf("seeding queue: %w", err)
	}
	o.logger.Info("queue seeded",
		zap.Int("offered", len(jobs)),
		zap.Int("inserted", inserted),
		zap.Int("duplicates", len(jobs)-inserted),
	)
	return inserted, nil
}

// Run starts the pool and blocks until ctx is canceled and every worker has
// drained. The reaper and monitor are stopped after the workers so that jobs
// abandoned during shutdown are swept back to the retry pool.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("starting harvest pool", zap.Int("workers", o.cfg.Workers))

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		o.reapLoop(bgCtx)
	}()
	go func() {
		defer background.Done()
		o.monitorLoop(bgCtx)
	}()

	var pool sync.WaitGroup
	workerCfg := worker.Config{
		IdleInterval: o.cfg.IdleInterval,
		ClaimBackoff: o.cfg.ClaimBackoff,
	}
	for i := 0; i < o.cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%02d-%s", i, uuid.NewString()[:8])
		w := worker.New(id, o.store, o.limiter, o.executor, o.clock, workerCfg, o.logger)
		pool.Add(1)
		go func() {
			defer pool.Done()
			w.Run(ctx)
		}()
	}

	<-ctx.Done()
	o.logger.Info("shutdown requested, draining workers")
	pool.Wait()

	// One last sweep so anything released mid-flight is claimable on the
	// next run.
	o.reapOnce(bgCtx)
	stopBackground()
	background.Wait()

	o.logFinalState()
}

func (o *Orchestrator) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reapOnce(ctx)
		}
	}
}

func (o *Orchestrator) reapOnce(ctx context.Context) {
	reaped, err := o.store.ReapStale(ctx, o.cfg.StaleTimeout)
	if err != nil {
		o.logger.Error("reaping stale claims failed", zap.Error(err))
		return
	}
	if reaped > 0 {
		metrics.ObserveReap(reaped)
		o.logger.Warn("reclaimed stale jobs", zap.Int("count", reaped))
	}
}

func (o *Orchestrator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.publishStats(ctx)
		}
	}
}

func (o *Orchestrator) publishStats(ctx context.Context) {
	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.Error("collecting queue stats failed", zap.Error(err))
		return
	}
	metrics.SetQueueDepth("pending", stats.Pending)
	metrics.SetQueueDepth("in_progress", stats.InProgress)
	metrics.SetQueueDepth("completed", stats.Completed)
	metrics.SetQueueDepth("failed", stats.Failed)
	metrics.SetQueueDepth("retry", stats.Retry)
	metrics.SetActiveWorkers(stats.ActiveWorkers)
	o.logger.Info("queue progress",
		zap.Int64("pending", stats.Pending),
		zap.Int64("in_progress", stats.InProgress),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("retry", stats.Retry),
		zap.Int64("active_workers", stats.ActiveWorkers),
	)
}

func (o *Orchestrator) logFinalState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.Warn("final stats unavailable", zap.Error(err))
		return
	}
	o.logger.Info("harvest pool stopped",
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("remaining", stats.Pending+stats.Retry+stats.InProgress),
	)
}
