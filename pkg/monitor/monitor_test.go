package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

type endRecorder struct {
	mu   sync.Mutex
	ends []string // "callID/reason"
}

func (r *endRecorder) record(callID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, callID+"/"+reason)
}

func (r *endRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ends...)
}

func newTestMonitor(t *testing.T, cfg Config, count CountFunc, rec *endRecorder) *Monitor {
	t.Helper()
	lc := logger.NewConfig()
	lc.Level = logger.LevelError
	log, err := logger.New(lc)
	require.NoError(t, err)

	m := New(cfg, count, rec.record, log)
	t.Cleanup(m.Close)
	return m
}

func twoParticipants(context.Context, string) (int, error) { return 2, nil }

func TestRingTimerForcesTimeout(t *testing.T) {
	rec := &endRecorder{}
	m := newTestMonitor(t, Config{
		UnansweredTimeout: 50 * time.Millisecond,
		PollInterval:      time.Hour,
	}, twoParticipants, rec)

	m.StartRingTimer("c1")
	require.True(t, m.RingTimerActive("c1"))

	require.Eventually(t, func() bool {
		ends := rec.all()
		return len(ends) == 1 && ends[0] == "c1/timeout"
	}, time.Second, 10*time.Millisecond)
	require.False(t, m.RingTimerActive("c1"))
}

func TestStopRingTimerCancels(t *testing.T) {
	rec := &endRecorder{}
	m := newTestMonitor(t, Config{
		UnansweredTimeout: 50 * time.Millisecond,
		PollInterval:      time.Hour,
	}, twoParticipants, rec)

	m.StartRingTimer("c1")
	m.StopRingTimer("c1")
	require.False(t, m.RingTimerActive("c1"))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, rec.all(), "cancelled timer must not fire")

	m.StopRingTimer("c1") // safe when not armed
}

func TestLivenessEndsBelowFloor(t *testing.T) {
	rec := &endRecorder{}
	var mu sync.Mutex
	count := 2

	m := newTestMonitor(t, Config{
		UnansweredTimeout: time.Hour,
		PollInterval:      20 * time.Millisecond,
	}, func(context.Context, string) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return count, nil
	}, rec)

	m.StartLiveness("c1")
	require.True(t, m.LivenessActive("c1"))

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, rec.all(), "healthy call must keep running")

	mu.Lock()
	count = 1
	mu.Unlock()

	require.Eventually(t, func() bool {
		ends := rec.all()
		return len(ends) == 1 && ends[0] == "c1/insufficient_participants"
	}, time.Second, 10*time.Millisecond)
	require.False(t, m.LivenessActive("c1"), "fired poll must unregister itself")
}

func TestLivenessSurvivesCountErrors(t *testing.T) {
	rec := &endRecorder{}
	var calls int
	var mu sync.Mutex

	m := newTestMonitor(t, Config{
		UnansweredTimeout: time.Hour,
		PollInterval:      10 * time.Millisecond,
	}, func(context.Context, string) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 0, context.DeadlineExceeded
	}, rec)

	m.StartLiveness("c1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, rec.all(), "backend errors must not end the call")
}

func TestStopAllClearsEverything(t *testing.T) {
	rec := &endRecorder{}
	m := newTestMonitor(t, Config{
		UnansweredTimeout: time.Hour,
		PollInterval:      time.Hour,
	}, twoParticipants, rec)

	m.StartRingTimer("c1")
	m.StartLiveness("c1")

	m.StopAll("c1")
	require.False(t, m.RingTimerActive("c1"))
	require.False(t, m.LivenessActive("c1"))
}

func TestCloseStopsEverything(t *testing.T) {
	rec := &endRecorder{}
	m := newTestMonitor(t, Config{
		UnansweredTimeout: 50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}, twoParticipants, rec)

	m.StartRingTimer("c1")
	m.StartLiveness("c2")
	m.Close()

	require.False(t, m.RingTimerActive("c1"))
	require.False(t, m.LivenessActive("c2"))

	// Starts after close are no-ops
	m.StartRingTimer("c3")
	require.False(t, m.RingTimerActive("c3"))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, rec.all())
}
