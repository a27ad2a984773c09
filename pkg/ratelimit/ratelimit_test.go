package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-research/lodestar/pkg/kv"
)

func testConfig() Config {
	return Config{
		MaxRequests: 3,
		Window:      time.Minute,
		KeyPrefix:   "chat_api:alice",
		MaxRetries:  2,
	}
}

// newTestLimiter returns a limiter and memory store sharing a controllable
// clock. Sleeps advance the clock instead of blocking.
func newTestLimiter() (*Limiter, *kv.MemoryStore, *time.Time) {
	store := kv.NewMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)

	store.SetClock(func() time.Time { return now })
	l := New(store)
	l.SetClock(
		func() time.Time { return now },
		func(_ context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		},
	)
	return l, store, &now
}

func TestCheckAndRecord(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()
	cfg := testConfig()

	res, err := l.Check(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 0, res.TotalHits)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, cfg))
	}

	res, err = l.Check(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, res.TotalHits)
}

func TestWindowBoundaryResetsCounter(t *testing.T) {
	l, _, now := newTestLimiter()
	ctx := context.Background()
	cfg := testConfig()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, cfg))
	}
	res, err := l.Check(ctx, cfg)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Step past the window boundary: a fresh counter key applies.
	*now = res.ResetTime.Add(time.Millisecond)

	res, err = l.Check(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.TotalHits)
}

func TestResetTimeIsWindowEnd(t *testing.T) {
	l, _, now := newTestLimiter()
	cfg := testConfig()

	res, err := l.Check(context.Background(), cfg)
	require.NoError(t, err)

	windowMs := cfg.Window.Milliseconds()
	start := (now.UnixMilli() / windowMs) * windowMs
	assert.Equal(t, time.UnixMilli(start).Add(cfg.Window), res.ResetTime)
}

func TestRetrySucceedsAfterWindowRollover(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()
	cfg := testConfig()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, cfg))
	}

	// The sleep hook advances the clock to the window boundary, so the
	// retry lands in a fresh window.
	res, err := l.Retry(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRetryExhaustionStaysBlocked(t *testing.T) {
	store := kv.NewMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)
	store.SetClock(func() time.Time { return now })

	l := New(store)
	sleeps := 0
	l.SetClock(
		func() time.Time { return now },
		func(context.Context, time.Duration) error {
			// Clock does not advance: the same window stays saturated.
			sleeps++
			return nil
		},
	)

	ctx := context.Background()
	cfg := testConfig()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, cfg))
	}

	res, err := l.Retry(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, cfg.MaxRetries, sleeps)
}

func TestSeparateKeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter()
	ctx := context.Background()

	alice := testConfig()
	bob := testConfig()
	bob.KeyPrefix = "chat_api:bob"

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, alice))
	}

	resAlice, err := l.Check(ctx, alice)
	require.NoError(t, err)
	resBob, err := l.Check(ctx, bob)
	require.NoError(t, err)

	assert.False(t, resAlice.Allowed)
	assert.True(t, resBob.Allowed)
}
