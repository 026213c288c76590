package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow(1, 3))
	}
	require.False(t, rl.Allow(1, 3))

	// other bots have their own bucket
	require.True(t, rl.Allow(2, 3))
}

func TestRateLimiter_RebuildsOnLimitChange(t *testing.T) {
	rl := NewRateLimiter()
	require.True(t, rl.Allow(1, 1))
	require.False(t, rl.Allow(1, 1))

	require.True(t, rl.Allow(1, 5))
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow(1, 0))
	}
	require.NoError(t, rl.Wait(context.Background(), 1, 0))
}

func TestRateLimiter_WaitRespectsDeadline(t *testing.T) {
	rl := NewRateLimiter()
	require.True(t, rl.Allow(1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, rl.Wait(ctx, 1, 1))
}

func TestRateLimitPolicy_Valid(t *testing.T) {
	require.True(t, RateLimitReply.Valid())
	require.True(t, RateLimitWait.Valid())
	require.False(t, RateLimitPolicy("drop").Valid())
}
