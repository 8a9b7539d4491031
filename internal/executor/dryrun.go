// Package executor provides Executor implementations for the worker pool.
package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
)

// DryRun is an Executor that performs no network calls. It simulates fetch
// latency and an optional transient failure rate, which makes it useful for
// exercising the queue, the rate limiter, and the retry machinery without
// touching the real target.
type DryRun struct {
	// Latency is how long each simulated fetch takes.
	Latency time.Duration
	// FailureRate in [0,1] is the probability a fetch fails with a
	// retryable error.
	FailureRate float64
}

// Execute simulates downloading the tally sheet for one job.
func (d *DryRun) Execute(ctx context.Context, job harvest.Job) (harvest.Result, error) {
	if d.Latency > 0 {
		timer := time.NewTimer(d.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return harvest.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if d.FailureRate > 0 && rand.Float64() < d.FailureRate {
		return harvest.Result{}, errors.New("simulated fetch failure")
	}
	return harvest.Result{ArtifactURI: "dryrun://" + job.Key.String()}, nil
}
