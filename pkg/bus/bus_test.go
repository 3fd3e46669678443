package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Command{Action: ActionAccept, CallID: "c1"})

	select {
	case cmd := <-ch:
		require.Equal(t, ActionAccept, cmd.Action)
		require.Equal(t, "c1", cmd.CallID)
	case <-time.After(time.Second):
		t.Fatal("command not delivered")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	// Channel is closed after cancel; publish must not panic
	b.Publish(Command{Action: ActionReject, CallID: "c1"})

	_, open := <-ch
	require.False(t, open)
}

func TestCloseIdempotent(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()

	b.Close()
	b.Close()

	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields a closed channel
	ch2, cancel := b.Subscribe()
	defer cancel()
	_, open = <-ch2
	require.False(t, open)
}
