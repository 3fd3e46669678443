package peer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newTestAPI(t), nil, nil, nil, testLogger(t))
	t.Cleanup(m.CloseAll)
	return m
}

func TestEnsureLinkCreatesOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	link, created, err := m.EnsureLink(ctx, "c1", "user-b")
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, link)

	again, created, err := m.EnsureLink(ctx, "c1", "user-b")
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, link, again)
	require.Equal(t, 1, m.Count())
}

func TestCloseLinkRemoves(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.EnsureLink(ctx, "c1", "user-b")
	require.NoError(t, err)
	_, _, err = m.EnsureLink(ctx, "c1", "user-c")
	require.NoError(t, err)

	m.CloseLink("user-b")
	require.Nil(t, m.Get("user-b"))
	require.NotNil(t, m.Get("user-c"))
	require.Equal(t, 1, m.Count())

	m.CloseLink("user-b") // absent, safe
}

func TestCloseAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"user-b", "user-c", "user-d"} {
		_, _, err := m.EnsureLink(ctx, "c1", id)
		require.NoError(t, err)
	}

	m.CloseAll()
	require.Zero(t, m.Count())
	m.CloseAll() // idempotent
}

func TestStatsSorted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"user-c", "user-b"} {
		_, _, err := m.EnsureLink(ctx, "c1", id)
		require.NoError(t, err)
	}

	stats := m.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "user-b", stats[0].RemoteID)
	require.Equal(t, "user-c", stats[1].RemoteID)
	require.Equal(t, "new", stats[0].State)
}
