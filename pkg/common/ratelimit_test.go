package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	start := time.Now()
	for range 100 {
		require.NoError(t, rl.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.5, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}
