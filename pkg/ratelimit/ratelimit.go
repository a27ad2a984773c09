// Package ratelimit caps request rate per logical key using a fixed-window
// counter in the shared key-value store. The window is an intentional
// approximation of a sliding window — exact sliding windows would need a
// sorted set per key, and the simpler model is accurate enough at the
// configured limits.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/lodestar-research/lodestar/pkg/kv"
)

// Config describes one endpoint's limit. Immutable once constructed.
type Config struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
	MaxRetries  int
}

// Result is the outcome of a single limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	TotalHits int
}

// Limiter evaluates fixed-window limits against a shared store.
type Limiter struct {
	store kv.Store
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Limiter backed by the given store.
func New(store kv.Store) *Limiter {
	return &Limiter{
		store: store,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// SetClock overrides the time and sleep sources. Test hook.
func (l *Limiter) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	l.now = now
	l.sleep = sleep
}

// windowKey derives the counter key for the window containing now.
// Check and Record must use identical derivation.
func windowKey(cfg Config, now time.Time) (string, time.Time) {
	windowMs := cfg.Window.Milliseconds()
	start := (now.UnixMilli() / windowMs) * windowMs
	return fmt.Sprintf("%s:%d", cfg.KeyPrefix, start), time.UnixMilli(start)
}

// ttl is the counter expiry: the window length rounded up to whole seconds.
func ttl(cfg Config) time.Duration {
	secs := math.Ceil(cfg.Window.Seconds())
	return time.Duration(secs) * time.Second
}

// Check reads the current window counter without consuming a slot.
func (l *Limiter) Check(ctx context.Context, cfg Config) (Result, error) {
	key, start := windowKey(cfg, l.now())

	hits := 0
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit read: %w", err)
	}
	if ok {
		if n, parseErr := strconv.Atoi(raw); parseErr == nil {
			hits = n
		}
	}

	remaining := cfg.MaxRequests - hits
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   hits < cfg.MaxRequests,
		Remaining: remaining,
		ResetTime: start.Add(cfg.Window),
		TotalHits: hits,
	}, nil
}

// Record consumes one slot in the current window: a single pipelined
// increment-and-expire round trip.
func (l *Limiter) Record(ctx context.Context, cfg Config) error {
	key, _ := windowKey(cfg, l.now())
	if _, err := l.store.IncrWithTTL(ctx, key, ttl(cfg)); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

// Retry sleeps until the next window boundary and re-checks, up to
// cfg.MaxRetries times. Returns the first allowed result, or the last
// blocked one when retries are exhausted.
func (l *Limiter) Retry(ctx context.Context, cfg Config) (Result, error) {
	var last Result
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		res, err := l.Check(ctx, cfg)
		if err != nil {
			return Result{}, err
		}
		last = res
		if res.Allowed {
			return res, nil
		}
		wait := res.ResetTime.Sub(l.now())
		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return last, err
		}
	}
	// Final check after the last sleep.
	res, err := l.Check(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
