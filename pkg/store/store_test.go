package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := openTestStore(t)

	snap := &Snapshot{
		CallID:       "c1",
		ReceiverID:   "user-b",
		Type:         "video",
		StartTime:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Status:       "outgoing",
		Participants: []string{"user-a", "user-b"},
	}
	require.NoError(t, s.Save(RoleOutgoing, snap))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, snap, all[RoleOutgoing])
}

func TestSaveOverwritesRole(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(RoleActive, &Snapshot{CallID: "c1", Status: "connecting"}))
	require.NoError(t, s.Save(RoleActive, &Snapshot{CallID: "c1", Status: "connected"}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "connected", all[RoleActive].Status)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(RoleIncoming, &Snapshot{CallID: "c1"}))
	require.NoError(t, s.Save(RoleActive, &Snapshot{CallID: "c2"}))

	require.NoError(t, s.Delete(RoleIncoming))
	require.NoError(t, s.Delete(RoleIncoming), "deleting an absent role is safe")

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Contains(t, all, RoleActive)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(RoleIncoming, &Snapshot{CallID: "c1"}))
	require.NoError(t, s.Save(RoleOutgoing, &Snapshot{CallID: "c2"}))
	require.NoError(t, s.Clear())

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(RoleActive, &Snapshot{CallID: "c1", Status: "connected"}))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.LoadAll()
	require.NoError(t, err)
	require.Equal(t, "c1", all[RoleActive].CallID)
}
