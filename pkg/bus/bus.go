// Package bus carries call control commands from outer surfaces (the
// notification handler, the status API) to the session machine. It replaces
// a globally reachable accept entry point with an explicit subscription.
package bus

import "sync"

// Action is a user-level call control decision
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionEnd    Action = "end"
)

// Command is one control decision for one call
type Command struct {
	Action Action
	CallID string
}

// Bus is a small typed pub/sub for call commands
type Bus struct {
	mu        sync.RWMutex
	listeners map[chan Command]struct{}
	closed    bool
}

// New creates a command bus
func New() *Bus {
	return &Bus{
		listeners: make(map[chan Command]struct{}),
	}
}

// Publish delivers a command to every subscriber. Slow subscribers lose
// commands rather than blocking the publisher.
func (b *Bus) Publish(cmd Command) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.listeners {
		select {
		case ch <- cmd:
		default:
		}
	}
}

// Subscribe returns a command channel plus a cancel func
func (b *Bus) Subscribe() (ch chan Command, cancel func()) {
	ch = make(chan Command, 16)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Close shuts the bus down and closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Command]struct{})
}
