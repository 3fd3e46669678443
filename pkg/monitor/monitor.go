// Package monitor enforces the two liveness rules of a call: an unanswered
// call ends after a fixed window, and a connected call ends when it falls
// below the minimum participant count. Timers here are the classic leak in a
// call engine, so every start has an explicit stop and teardown stops both.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// End reasons reported through the force-end callback
const (
	ReasonTimeout                  = "timeout"
	ReasonInsufficientParticipants = "insufficient_participants"
)

// ForceEndFunc is called when a rule fires. It must be safe to call from a
// timer goroutine.
type ForceEndFunc func(callID, reason string)

// CountFunc reports the number of non-ended participants of a call
type CountFunc func(ctx context.Context, callID string) (int, error)

// Config holds the monitor windows
type Config struct {
	UnansweredTimeout time.Duration
	PollInterval      time.Duration
	MinParticipants   int
}

// Monitor tracks the ring timer and liveness poll per call
type Monitor struct {
	cfg      Config
	count    CountFunc
	forceEnd ForceEndFunc
	logger   *logger.Logger

	mu         sync.Mutex
	ringTimers map[string]*time.Timer
	polls      map[string]context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// New creates a monitor. forceEnd is invoked at most once per fired rule.
func New(cfg Config, count CountFunc, forceEnd ForceEndFunc, log *logger.Logger) *Monitor {
	if cfg.UnansweredTimeout <= 0 {
		cfg.UnansweredTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MinParticipants < 2 {
		cfg.MinParticipants = 2
	}

	return &Monitor{
		cfg:        cfg,
		count:      count,
		forceEnd:   forceEnd,
		logger:     log.With("component", "monitor"),
		ringTimers: make(map[string]*time.Timer),
		polls:      make(map[string]context.CancelFunc),
	}
}

// StartRingTimer arms the unanswered window for a call entering outgoing or
// incoming. Restarting replaces the previous timer.
func (m *Monitor) StartRingTimer(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if t, ok := m.ringTimers[callID]; ok {
		t.Stop()
	}

	m.ringTimers[callID] = time.AfterFunc(m.cfg.UnansweredTimeout, func() {
		m.mu.Lock()
		delete(m.ringTimers, callID)
		m.mu.Unlock()

		m.logger.Info("unanswered window expired", "call_id", callID)
		m.forceEnd(callID, ReasonTimeout)
	})

	m.logger.DebugSession("ring timer armed",
		"call_id", callID, "window", m.cfg.UnansweredTimeout)
}

// StopRingTimer disarms the unanswered window. Called on connected and on
// ended; safe when not armed.
func (m *Monitor) StopRingTimer(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.ringTimers[callID]; ok {
		t.Stop()
		delete(m.ringTimers, callID)
	}
}

// StartLiveness begins the participant-count poll for a connected call.
// Restarting replaces the previous poll.
func (m *Monitor) StartLiveness(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if cancel, ok := m.polls[callID]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.polls[callID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx, callID)
	}()
}

// StopLiveness cancels the participant-count poll. Safe when not running.
func (m *Monitor) StopLiveness(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.polls[callID]; ok {
		cancel()
		delete(m.polls, callID)
	}
}

// StopAll clears both rules for a call. Called on every terminal transition.
func (m *Monitor) StopAll(callID string) {
	m.StopRingTimer(callID)
	m.StopLiveness(callID)
}

// RingTimerActive reports whether the unanswered window is armed
func (m *Monitor) RingTimerActive(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ringTimers[callID]
	return ok
}

// LivenessActive reports whether the participant poll is running
func (m *Monitor) LivenessActive(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.polls[callID]
	return ok
}

// Close stops every timer and poll and waits for the poll goroutines
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.ringTimers {
		t.Stop()
		delete(m.ringTimers, id)
	}
	for id, cancel := range m.polls {
		cancel()
		delete(m.polls, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context, callID string) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.count(ctx, callID)
			if err != nil {
				// Transient backend failures must not kill a healthy
				// call; keep polling.
				m.logger.Warn("participant count failed",
					"call_id", callID, "error", err)
				continue
			}

			if n < m.cfg.MinParticipants {
				m.logger.Info("participant count below floor",
					"call_id", callID, "count", n, "floor", m.cfg.MinParticipants)

				m.mu.Lock()
				if cancel, ok := m.polls[callID]; ok {
					cancel()
					delete(m.polls, callID)
				}
				m.mu.Unlock()

				m.forceEnd(callID, ReasonInsufficientParticipants)
				return
			}
		}
	}
}
