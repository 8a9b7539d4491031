// Package ratelimit implements an adaptive throttle that converts request
// budgets and error feedback into concrete delays before the next request.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
	"github.com/ballotwatch/acta-harvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	PerMinute int
	PerHour   int
	PerDay    int

	// BaseDelay is the floor of the adaptive delay; MaxDelay its ceiling.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// ErrorCap bounds the backoff exponent so the delay formula cannot
	// overflow under a long error streak.
	ErrorCap int

	// SafetyMargin is added when sleeping out the remainder of a window.
	SafetyMargin time.Duration

	// DayRecheck bounds how long a single sleep against the day cap may
	// last before the window is re-checked.
	DayRecheck time.Duration
}

// State is a snapshot of the limiter's adaptive state, surfaced for the
// monitor loop and for tests.
type State struct {
	Delay             time.Duration
	ConsecutiveErrors int
	MinuteCount       int
	HourCount         int
	DayCount          int
}

// Limiter tracks sliding request windows and an adaptive delay. It is shared
// by every worker in the process and safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	clock    harvest.Clock
	smoother *rate.Limiter

	minute *window
	hour   *window
	day    *window

	delay     time.Duration
	errStreak int
}

// New creates a Limiter. Zero-valued optional knobs get defaults.
func New(cfg Config, clock harvest.Clock) (*Limiter, error) {
	if cfg.PerMinute <= 0 || cfg.PerHour <= 0 || cfg.PerDay <= 0 {
		return nil, fmt.Errorf("all rate caps must be > 0")
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("base delay must be > 0")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("max delay must be >= base delay")
	}
	if cfg.ErrorCap <= 0 {
		cfg.ErrorCap = 6
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 250 * time.Millisecond
	}
	if cfg.DayRecheck <= 0 {
		cfg.DayRecheck = 5 * time.Minute
	}
	return &Limiter{
		cfg:      cfg,
		clock:    clock,
		smoother: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), 1),
		minute:   newWindow(time.Minute, cfg.PerMinute),
		hour:     newWindow(time.Hour, cfg.PerHour),
		day:      newWindow(24*time.Hour, cfg.PerDay),
		delay:    cfg.BaseDelay,
	}, nil
}

// CanProceed checks all three sliding windows without blocking.
func (l *Limiter) CanProceed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canProceedLocked(l.clock.Now())
}

func (l *Limiter) canProceedLocked(now time.Time) (bool, string) {
	if l.minute.full(now) {
		return false, "minute cap reached"
	}
	if l.hour.full(now) {
		return false, "hour cap reached"
	}
	if l.day.full(now) {
		return false, "day cap reached"
	}
	return true, ""
}

// Wait blocks until the next cap-respecting slot, applying the adaptive
// delay first. It returns early with the context's error on cancellation.
func (l *Limiter) Wait(ctx context.Context) error {
	start := l.clock.Now()

	if d := l.NextDelay(); d > 0 {
		if err := sleepContext(ctx, d); err != nil {
			return err
		}
	}

	for {
		wait, ok := l.reserveSlot()
		if ok {
			break
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}

	if err := l.smoother.Wait(ctx); err != nil {
		return fmt.Errorf("rate smoother wait: %w", err)
	}

	if waited := l.clock.Now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return nil
}

// reserveSlot admits a request and charges it against every window in one
// critical section, so concurrent waiters cannot pass the same check and
// overshoot a cap. If no slot is free it returns how long to sleep before
// re-checking: the exact window remainder plus the safety margin for the
// minute and hour caps, a bounded recheck interval for the day cap.
func (l *Limiter) reserveSlot() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.minute.full(now) {
		return l.minute.remainder(now) + l.cfg.SafetyMargin, false
	}
	if l.hour.full(now) {
		return l.hour.remainder(now) + l.cfg.SafetyMargin, false
	}
	if l.day.full(now) {
		wait := l.day.remainder(now) + l.cfg.SafetyMargin
		if wait > l.cfg.DayRecheck {
			wait = l.cfg.DayRecheck
		}
		return wait, false
	}
	l.minute.add(now)
	l.hour.add(now)
	l.day.add(now)
	return 0, true
}

// RecordSuccess decays the adaptive delay toward the base delay. The request
// itself was already charged to the windows when Wait admitted it.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errStreak = 0
	l.delay = l.delay * 9 / 10
	if l.delay < l.cfg.BaseDelay {
		l.delay = l.cfg.BaseDelay
	}
}

// RecordError widens the adaptive delay exponentially, clamped to MaxDelay.
func (l *Limiter) RecordError() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errStreak++
	exp := l.errStreak
	if exp > l.cfg.ErrorCap {
		exp = l.cfg.ErrorCap
	}
	delay := l.cfg.BaseDelay << exp
	if delay > l.cfg.MaxDelay || delay <= 0 {
		delay = l.cfg.MaxDelay
	}
	l.delay = delay
}

// NextDelay returns the adaptive delay multiplied by a random jitter factor
// in [0.7, 1.3] so that independent workers do not synchronize into bursts.
func (l *Limiter) NextDelay() time.Duration {
	l.mu.Lock()
	delay := l.delay
	l.mu.Unlock()

	spread := delay * 6 / 10 // jitter range is 60% of the delay
	return delay - spread/2 + randomJitter(spread)
}

// Snapshot returns the current adaptive state.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	return State{
		Delay:             l.delay,
		ConsecutiveErrors: l.errStreak,
		MinuteCount:       l.minute.count(now),
		HourCount:         l.hour.count(now),
		DayCount:          l.day.count(now),
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
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

// window is a sliding window of request timestamps.
type window struct {
	span   time.Duration
	limit  int
	stamps []time.Time
}

func newWindow(span time.Duration, limit int) *window {
	return &window{span: span, limit: limit}
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) add(now time.Time) {
	w.prune(now)
	w.stamps = append(w.stamps, now)
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

func (w *window) full(now time.Time) bool {
	return w.count(now) >= w.limit
}

// remainder returns how long until the oldest in-window request expires.
func (w *window) remainder(now time.Time) time.Duration {
	w.prune(now)
	if len(w.stamps) == 0 {
		return 0
	}
	return w.stamps[0].Add(w.span).Sub(now)
}
