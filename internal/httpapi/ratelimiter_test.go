package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlidingWindowLimiterEnforcesWindow(t *testing.T) {
	current := time.Unix(1000, 0)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return current })

	require.True(t, limiter.Allow())
	require.True(t, limiter.Allow())
	require.False(t, limiter.Allow())

	current = current.Add(time.Minute + time.Second)
	require.True(t, limiter.Allow())
}

func TestSlidingWindowLimiterDisabled(t *testing.T) {
	limiter := NewSlidingWindowLimiter(0, 0, nil)
	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow())
	}

	var absent *SlidingWindowLimiter
	require.True(t, absent.Allow())
}
