package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	require.Equal(t, float64(10), tb.tokens)
}

func TestTokenBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		start := time.Now()
		require.NoError(t, tb.Wait(context.Background()))
		require.Lessf(t, time.Since(start), 50*time.Millisecond, "token %d should be immediate", i)
	}
}

func TestTokenBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10)
	require.NoError(t, tb.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background()))
	elapsed := time.Since(start)

	require.Greater(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 300*time.Millisecond)
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1)
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.Error(t, tb.Wait(ctx))
}

func TestNewRateLimiterGroupsBuckets(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	require.NotNil(t, rl.Order)
	require.NotNil(t, rl.Cancel)
	require.NotNil(t, rl.Quote)
}
