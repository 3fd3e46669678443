// Package signal is the realtime event channel adapter. It owns the
// websocket connection to the collaboration backend, reconnects on demand,
// rate-limits outbound envelopes, and fans inbound envelopes out to the
// session machine.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// ErrChannelUnavailable is returned when the channel cannot be (re)established
// within the configured wait. Callers treat it as "signaling down", not as a
// call-level failure.
var ErrChannelUnavailable = errors.New("signaling channel unavailable")

// Handler receives inbound envelopes of one registered type
type Handler func(env *Envelope)

// Options configures the adapter
type Options struct {
	URL    string
	SelfID string
	// ConnectWait bounds how long EnsureConnected blocks.
	ConnectWait time.Duration
	// SendsPerSecond rate-limits outbound envelope writes.
	SendsPerSecond float64
}

// Adapter is the signaling channel adapter
type Adapter struct {
	opts    Options
	limiter *rate.Limiter
	logger  *logger.Logger
	dialer  *websocket.Dialer

	// mu guards conn and the single-flight dial state
	mu       sync.Mutex
	conn     *websocket.Conn
	dialDone chan struct{}

	// writeMu serializes writes; gorilla allows one concurrent writer
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]map[string]Handler

	listenerMu sync.RWMutex
	listeners  map[chan *Envelope]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a signaling adapter. The connection is established lazily on
// the first send or EnsureConnected call.
func New(opts Options, log *logger.Logger) *Adapter {
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 5 * time.Second
	}
	if opts.SendsPerSecond <= 0 {
		opts.SendsPerSecond = 25
	}

	return &Adapter{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.SendsPerSecond), int(opts.SendsPerSecond)),
		logger:  log.With("component", "signal"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectWait,
		},
		handlers:  make(map[string]map[string]Handler),
		listeners: make(map[chan *Envelope]struct{}),
		closed:    make(chan struct{}),
	}
}

// EnsureConnected blocks until the channel is up or the wait expires. The
// dial itself is single-flight: concurrent callers share one attempt, and a
// failed attempt keeps retrying in the background so a later caller can
// succeed immediately.
func (a *Adapter) EnsureConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectWait)
	defer cancel()

	for {
		a.mu.Lock()
		select {
		case <-a.closed:
			a.mu.Unlock()
			return fmt.Errorf("%w: adapter closed", ErrChannelUnavailable)
		default:
		}

		if a.conn != nil {
			a.mu.Unlock()
			return nil
		}

		done := a.dialDone
		if done == nil {
			done = make(chan struct{})
			a.dialDone = done
			go a.dialLoop(done)
		}
		a.mu.Unlock()

		select {
		case <-done:
			// re-check conn
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrChannelUnavailable, ctx.Err())
		case <-a.closed:
			return fmt.Errorf("%w: adapter closed", ErrChannelUnavailable)
		}
	}
}

// dialLoop retries the dial with backoff until it succeeds or the adapter
// closes. done is closed once the connection is installed.
func (a *Adapter) dialLoop(done chan struct{}) {
	backoff := 250 * time.Millisecond

	for {
		select {
		case <-a.closed:
			a.mu.Lock()
			a.dialDone = nil
			a.mu.Unlock()
			close(done)
			return
		default:
		}

		conn, _, err := a.dialer.Dial(a.opts.URL, nil)
		if err != nil {
			a.logger.Warn("signaling dial failed", "url", a.opts.URL, "error", err)

			select {
			case <-a.closed:
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.dialDone = nil
		a.mu.Unlock()

		a.logger.Info("signaling channel connected", "url", a.opts.URL)
		go a.readLoop(conn)
		close(done)
		return
	}
}

// readLoop reads envelopes until the connection fails, then drops the
// connection and kicks a background redial so inbound events resume without
// waiting for the next send.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			if a.conn == conn {
				a.conn = nil
			}
			closed := false
			select {
			case <-a.closed:
				closed = true
			default:
			}
			if !closed && a.dialDone == nil {
				done := make(chan struct{})
				a.dialDone = done
				go a.dialLoop(done)
			}
			a.mu.Unlock()

			if !closed {
				a.logger.Warn("signaling read failed, reconnecting", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Warn("discarding malformed envelope", "error", err)
			continue
		}

		// The channel echoes broadcast envelopes back to the sender;
		// applying our own events would double every transition.
		if env.From == a.opts.SelfID {
			continue
		}

		a.logger.DebugEnvelope("in", env.Type, env.CallID, env.From)
		a.dispatch(&env)
	}
}

func (a *Adapter) dispatch(env *Envelope) {
	a.handlerMu.RLock()
	named := a.handlers[env.Type]
	hs := make([]Handler, 0, len(named))
	for _, h := range named {
		hs = append(hs, h)
	}
	a.handlerMu.RUnlock()

	for _, h := range hs {
		h(env)
	}

	a.listenerMu.RLock()
	for ch := range a.listeners {
		select {
		case ch <- env:
		default:
			a.logger.Warn("subscriber queue full, dropping envelope",
				"type", env.Type, "callId", env.CallID)
		}
	}
	a.listenerMu.RUnlock()
}

// RegisterHandler installs a named handler for one envelope type.
// Re-registering the same name replaces the previous handler, so repeated
// wiring during re-initialization stays idempotent.
func (a *Adapter) RegisterHandler(envType, name string, h Handler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()

	if a.handlers[envType] == nil {
		a.handlers[envType] = make(map[string]Handler)
	}
	a.handlers[envType][name] = h
}

// UnregisterHandler removes a named handler. Safe when absent.
func (a *Adapter) UnregisterHandler(envType, name string) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	delete(a.handlers[envType], name)
}

// Subscribe returns a channel that receives every inbound envelope plus a
// cancel func. Slow consumers lose envelopes rather than blocking the read
// loop.
func (a *Adapter) Subscribe() (ch chan *Envelope, cancel func()) {
	ch = make(chan *Envelope, 64)

	a.listenerMu.Lock()
	a.listeners[ch] = struct{}{}
	a.listenerMu.Unlock()

	cancel = func() {
		a.listenerMu.Lock()
		if _, ok := a.listeners[ch]; ok {
			delete(a.listeners, ch)
			close(ch)
		}
		a.listenerMu.Unlock()
	}
	return ch, cancel
}

// StartCall announces a new call to the chat members
func (a *Adapter) StartCall(ctx context.Context, callID, chatID, callType string) error {
	env, err := newEnvelope(TypeStartCall, callID, a.opts.SelfID, "", StartCallPayload{
		ChatID:   chatID,
		CallType: callType,
	})
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// JoinCall announces that the local user accepted the call
func (a *Adapter) JoinCall(ctx context.Context, callID string) error {
	env, err := newEnvelope(TypeJoinCall, callID, a.opts.SelfID, "", nil)
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// RejectCall declines an incoming call
func (a *Adapter) RejectCall(ctx context.Context, callID string) error {
	env, err := newEnvelope(TypeRejectCall, callID, a.opts.SelfID, "", RejectPayload{
		RejectedBy: a.opts.SelfID,
	})
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// EndCall signals a terminal transition so the remote side also tears down
func (a *Adapter) EndCall(ctx context.Context, callID, reason string) error {
	env, err := newEnvelope(TypeEndCall, callID, a.opts.SelfID, "", EndCallPayload{
		Reason: reason,
	})
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// SendOffer sends a session description offer to one participant
func (a *Adapter) SendOffer(ctx context.Context, callID, to, sdp string) error {
	a.logger.DebugSDPPayload("offer", callID, sdp)
	env, err := newEnvelope(TypeSDPOffer, callID, a.opts.SelfID, to, DescriptionPayload{
		Kind: "offer",
		SDP:  sdp,
	})
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// SendAnswer sends a session description answer to one participant
func (a *Adapter) SendAnswer(ctx context.Context, callID, to, sdp string) error {
	a.logger.DebugSDPPayload("answer", callID, sdp)
	env, err := newEnvelope(TypeSDPAnswer, callID, a.opts.SelfID, to, DescriptionPayload{
		Kind: "answer",
		SDP:  sdp,
	})
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// SendCandidate trickles one ICE candidate to a participant
func (a *Adapter) SendCandidate(ctx context.Context, callID, to string, cand CandidatePayload) error {
	a.logger.DebugCandidate(callID, to, cand.Candidate)
	env, err := newEnvelope(TypeICECandidate, callID, a.opts.SelfID, to, cand)
	if err != nil {
		return err
	}
	return a.send(ctx, env)
}

// send writes one envelope after ensuring the channel is up and passing the
// rate limiter
func (a *Adapter) send(ctx context.Context, env *Envelope) error {
	if err := a.EnsureConnected(ctx); err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: connection lost", ErrChannelUnavailable)
	}

	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	a.writeMu.Unlock()
	if err != nil {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		return fmt.Errorf("write envelope: %w", err)
	}

	a.logger.DebugEnvelope("out", env.Type, env.CallID, env.From)
	return nil
}

// Close shuts the adapter down. Idempotent.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)

		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
			a.conn = nil
		}
		a.mu.Unlock()

		a.listenerMu.Lock()
		for ch := range a.listeners {
			close(ch)
		}
		a.listeners = make(map[chan *Envelope]struct{})
		a.listenerMu.Unlock()
	})
}
