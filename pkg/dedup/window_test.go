package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeenSuppressesRepeatsWithinTTL(t *testing.T) {
	w := NewWindow(2 * time.Second)
	defer w.Close()

	now := time.Unix(1000, 0)
	w.now = func() time.Time { return now }

	require.False(t, w.Seen("call_started", "c1"), "first sighting must pass")
	require.True(t, w.Seen("call_started", "c1"), "repeat within TTL must be suppressed")
	require.True(t, w.Seen("call_started", "c1"))

	// Different type or call id is a distinct event
	require.False(t, w.Seen("call_joined", "c1"))
	require.False(t, w.Seen("call_started", "c2"))
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	w := NewWindow(2 * time.Second)
	defer w.Close()

	now := time.Unix(1000, 0)
	w.now = func() time.Time { return now }

	require.False(t, w.Seen("sdp_offer", "c1"))

	now = now.Add(2100 * time.Millisecond)
	require.False(t, w.Seen("sdp_offer", "c1"), "sighting after TTL is fresh again")
}

func TestInFlightGuard(t *testing.T) {
	w := NewWindow(2 * time.Second)
	defer w.Close()

	require.True(t, w.Begin("c1"))
	require.False(t, w.Begin("c1"), "overlapping action must be rejected")
	require.True(t, w.InFlight("c1"))

	w.Finish("c1")
	require.False(t, w.InFlight("c1"))
	require.True(t, w.Begin("c1"), "guard reusable after Finish")
}

func TestClearDropsCallState(t *testing.T) {
	w := NewWindow(time.Minute)
	defer w.Close()

	require.False(t, w.Seen("call_started", "c1"))
	require.False(t, w.Seen("call_joined", "c1"))
	require.False(t, w.Seen("call_started", "c2"))
	require.True(t, w.Begin("c1"))

	w.Clear("c1")

	require.False(t, w.Seen("call_started", "c1"), "cleared call starts fresh")
	require.False(t, w.InFlight("c1"))
	require.True(t, w.Seen("call_started", "c2"), "other calls unaffected")
}

func TestEvictExpiredBoundsMemory(t *testing.T) {
	w := NewWindow(time.Second)
	defer w.Close()

	now := time.Unix(1000, 0)
	w.now = func() time.Time { return now }

	w.Seen("call_started", "c1")
	w.Seen("call_started", "c2")
	require.Equal(t, 2, w.Len())

	now = now.Add(5 * time.Second)
	w.evictExpired()
	require.Equal(t, 0, w.Len())
}
