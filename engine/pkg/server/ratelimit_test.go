package server

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestServer_RateLimiter(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(rate.Every(time.Second), 2, clock)

	for range 2 {
		allowed, _ := rl.AllowWithRetry("10.0.0.1")
		require.True(t, allowed)
	}
	allowed, retryAfter := rl.AllowWithRetry("10.0.0.1")
	require.False(t, allowed)
	require.Equal(t, time.Second, retryAfter)

	// Other clients have their own bucket.
	allowed, _ = rl.AllowWithRetry("10.0.0.2")
	require.True(t, allowed)

	clock.Advance(time.Second)
	allowed, _ = rl.AllowWithRetry("10.0.0.1")
	require.True(t, allowed)
}

func TestServer_RateLimiter_EvictsIdleClients(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(rate.Every(time.Second), 1, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.Start(ctx)

	rl.AllowWithRetry("10.0.0.1")
	require.Equal(t, 1, rl.size())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return rl.size() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
