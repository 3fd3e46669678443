// Package dedup provides the duplicate-envelope suppression window for the
// signaling channel. The channel is at-least-once: reconnects redeliver and
// multiple surfaces can receive the same event, so every remote-originated
// transition is checked here first.
package dedup

import (
	"sync"
	"time"
)

// Key identifies one suppressible event class per call.
type Key struct {
	EventType string
	CallID    string
}

// Window is a bounded TTL cache of recently seen (eventType, callID) pairs
// plus a per-call in-flight guard for overlapping local actions.
type Window struct {
	ttl time.Duration

	mu       sync.Mutex
	seen     map[Key]time.Time
	inflight map[string]struct{}

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// now is swappable for tests
	now func() time.Time
}

// NewWindow creates a dedup window with the given TTL and starts the
// background eviction loop. Close must be called when done.
func NewWindow(ttl time.Duration) *Window {
	w := &Window{
		ttl:         ttl,
		seen:        make(map[Key]time.Time),
		inflight:    make(map[string]struct{}),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	go w.cleanupLoop()

	return w
}

// Seen records the pair and reports whether an identical pair was already
// recorded within the TTL. The first sighting returns false; repeats within
// the window return true.
func (w *Window) Seen(eventType, callID string) bool {
	key := Key{EventType: eventType, CallID: callID}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.seen[key]; ok && now.Sub(last) < w.ttl {
		return true
	}
	w.seen[key] = now
	return false
}

// Begin marks a call as having a local action in flight. Returns false when
// an action is already outstanding for that call.
func (w *Window) Begin(callID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, busy := w.inflight[callID]; busy {
		return false
	}
	w.inflight[callID] = struct{}{}
	return true
}

// Finish clears the in-flight mark for a call. Safe to call when not set.
func (w *Window) Finish(callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, callID)
}

// InFlight reports whether a local action is outstanding for the call.
func (w *Window) InFlight(callID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, busy := w.inflight[callID]
	return busy
}

// Clear drops all state for a call. Called on terminal transitions so a
// later call reusing the id starts clean.
func (w *Window) Clear(callID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key := range w.seen {
		if key.CallID == callID {
			delete(w.seen, key)
		}
	}
	delete(w.inflight, callID)
}

// Len returns the number of tracked pairs, expired included.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Close stops the eviction loop. Idempotent.
func (w *Window) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCleanup)
	})
}

// cleanupLoop physically removes expired pairs. Seen never returns stale
// entries, so eviction only bounds memory.
func (w *Window) cleanupLoop() {
	ticker := time.NewTicker(w.ttl * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.evictExpired()
		case <-w.stopCleanup:
			return
		}
	}
}

func (w *Window) evictExpired() {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, last := range w.seen {
		if now.Sub(last) >= w.ttl {
			delete(w.seen, key)
		}
	}
}
