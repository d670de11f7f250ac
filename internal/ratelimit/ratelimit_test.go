package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/meshcore/internal/ratelimit"
)

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{Rate: 0.0001, Burst: 3}) // effectively no refill in test time
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "execute:t1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst should pass", i)
	}
	ok, err := m.Allow(ctx, "execute:t1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{Rate: 0.0001, Burst: 1})
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "execute:t1")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "execute:t1")
	assert.False(t, ok)

	// A different tenant's bucket is untouched.
	ok, _ = m.Allow(ctx, "execute:t2")
	assert.True(t, ok)
}

func TestMemoryLimiter_RefillsOverTime(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{Rate: 100, Burst: 1})
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "execute:t1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "execute:t1")
	require.False(t, ok, "bucket drained")

	// At 100 tokens/s a fresh token accrues within tens of milliseconds.
	require.Eventually(t, func() bool {
		ok, err := m.Allow(ctx, "execute:t1")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryLimiter_EvictsIdleBuckets(t *testing.T) {
	m := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
		Rate:          1,
		Burst:         1,
		IdleEviction:  20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	defer func() { _ = m.Close() }()

	ok, err := m.Allow(context.Background(), "execute:t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, m.Size())

	require.Eventually(t, func() bool {
		return m.Size() == 0
	}, time.Second, 5*time.Millisecond, "idle bucket should be swept")
}

func TestNoopLimiter_AlwaysAllows(t *testing.T) {
	var l ratelimit.Limiter = ratelimit.NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, l.Close())
}
