package producer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDedupeSuppressesInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache := newDedupeCache(10*time.Minute, 100)

	require.False(t, cache.Seen("sig-1", now))
	require.True(t, cache.Seen("sig-1", now.Add(time.Minute)))
	require.True(t, cache.Seen("sig-1", now.Add(9*time.Minute)))
	require.False(t, cache.Seen("sig-2", now))
}

func TestDedupeExpiresAfterWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache := newDedupeCache(10*time.Minute, 100)

	require.False(t, cache.Seen("sig-1", now))
	require.False(t, cache.Seen("sig-1", now.Add(10*time.Minute)))
}

func TestDedupeEvictsOldestAtCapacity(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache := newDedupeCache(time.Hour, 3)

	for i := 0; i < 3; i++ {
		require.False(t, cache.Seen(fmt.Sprintf("sig-%d", i), now.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 3, cache.Len())

	// Fourth insert evicts sig-0, which then reads as unseen.
	require.False(t, cache.Seen("sig-3", now.Add(3*time.Second)))
	require.Equal(t, 3, cache.Len())
	require.False(t, cache.Seen("sig-0", now.Add(4*time.Second)))
}
