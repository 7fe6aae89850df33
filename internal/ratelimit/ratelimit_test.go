package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowUpToCap(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow("alice")
		require.True(t, allowed, "attempt %d should be allowed", i+1)
	}
	allowed, retryAfter := l.Allow("alice")
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	l := New(1, time.Minute)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return start })

	allowed, _ := l.Allow("bob")
	require.True(t, allowed)
	allowed, _ = l.Allow("bob")
	require.False(t, allowed)

	l.SetClock(func() time.Time { return start.Add(61 * time.Second) })
	allowed, _ = l.Allow("bob")
	require.True(t, allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	allowed, _ := l.Allow("carol")
	require.True(t, allowed)
	allowed, _ = l.Allow("dave")
	require.True(t, allowed)
}

func TestReset(t *testing.T) {
	l := New(1, time.Minute)
	l.Allow("erin")
	allowed, _ := l.Allow("erin")
	require.False(t, allowed)

	l.Reset()
	allowed, _ = l.Allow("erin")
	require.True(t, allowed)
}
