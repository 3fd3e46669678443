package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/metrics"
	"github.com/nist-kishan/collabcall/pkg/peer"
	"github.com/nist-kishan/collabcall/pkg/signal"
)

// handlerName is the idempotent registration name on the channel adapter
const handlerName = "session"

// inboundTypes are the envelope types the machine consumes
var inboundTypes = []string{
	signal.TypeIncomingCall,
	signal.TypeCallStarted,
	signal.TypeCallJoined,
	signal.TypeCallEnded,
	signal.TypeCallRejected,
	signal.TypeSDPOffer,
	signal.TypeSDPAnswer,
	signal.TypeICECandidate,
	signal.TypeParticipantJoined,
	signal.TypeParticipantLeft,
}

// Bind registers the machine on the channel adapter. Re-binding replaces the
// previous registration instead of duplicating delivery.
func (m *Machine) Bind(adapter *signal.Adapter) {
	for _, t := range inboundTypes {
		adapter.RegisterHandler(t, handlerName, m.HandleEnvelope)
	}
}

// HandleEnvelope schedules one inbound envelope onto the dispatch queue.
// Never blocks the channel read loop; ordering per priority is FIFO, which
// preserves arrival order for sdp and candidate envelopes.
func (m *Machine) HandleEnvelope(env *signal.Envelope) {
	m.logger.DebugEnvelope("dispatch", env.Type, env.CallID, env.From)

	switch env.Type {
	case signal.TypeIncomingCall:
		m.queue.enqueue(env.Type, env.CallID, prioControl, func() error { return m.handleIncomingCall(env) })
	case signal.TypeCallStarted:
		m.queue.enqueue(env.Type, env.CallID, prioSignal, func() error { return m.handleCallStarted(env) })
	case signal.TypeCallJoined:
		m.queue.enqueue(env.Type, env.CallID, prioControl, func() error { return m.handleCallJoined(env) })
	case signal.TypeCallEnded:
		m.queue.enqueue(env.Type, env.CallID, prioTeardown, func() error { return m.handleCallEnded(env) })
	case signal.TypeCallRejected:
		m.queue.enqueue(env.Type, env.CallID, prioTeardown, func() error { return m.handleCallRejected(env) })
	case signal.TypeSDPOffer:
		m.queue.enqueue(env.Type, env.CallID, prioSignal, func() error { return m.handleOffer(env) })
	case signal.TypeSDPAnswer:
		m.queue.enqueue(env.Type, env.CallID, prioSignal, func() error { return m.handleAnswer(env) })
	case signal.TypeICECandidate:
		m.queue.enqueue(env.Type, env.CallID, prioSignal, func() error { return m.handleCandidate(env) })
	case signal.TypeParticipantJoined:
		m.queue.enqueue(env.Type, env.CallID, prioSignal, func() error { return m.handleParticipantJoined(env) })
	case signal.TypeParticipantLeft:
		m.queue.enqueue(env.Type, env.CallID, prioSignal, func() error { return m.handleParticipantLeft(env) })
	default:
		m.logger.Debug("ignoring unknown envelope type", "type", env.Type)
	}
}

// duplicate applies the dedup window to lifecycle envelopes. The channel
// redelivers on reconnect and multiple surfaces can receive the same event,
// so only the first within the window is applied.
func (m *Machine) duplicate(env *signal.Envelope) bool {
	if m.window.Seen(env.Type, env.CallID) {
		m.logger.DebugSignaling("duplicate envelope dropped",
			"type", env.Type, "call_id", env.CallID)
		metrics.DuplicateEventsDropped.Inc()
		return true
	}
	return false
}

func (m *Machine) handleIncomingCall(env *signal.Envelope) error {
	if m.duplicate(env) {
		return nil
	}

	if s := m.currentLocked(); s != nil {
		// Busy with another call; decline so the caller is not left ringing
		m.logger.Info("busy, rejecting incoming call",
			"call_id", env.CallID, "active_call_id", s.ID)
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		if err := m.signaler.RejectCall(ctx, env.CallID); err != nil {
			m.logger.Warn("busy reject failed", "error", err)
		}
		return nil
	}

	var p signal.IncomingCallPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	s := &Session{
		ID:           env.CallID,
		ChatID:       p.ChatID,
		Kind:         p.CallType,
		Group:        p.Group,
		Status:       StatusIncoming,
		InitiatorID:  p.InitiatorID,
		Participants: make(map[string]*Participant),
		StartedAt:    time.Now(),
	}
	s.upsertParticipant(p.InitiatorID, "joined")
	s.upsertParticipant(m.cfg.SelfID, "ringing")
	for _, id := range p.Invited {
		if id != m.cfg.SelfID {
			s.upsertParticipant(id, "invited")
		}
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()

	m.logger.DebugTransition(s.ID, string(StatusIdle), string(StatusIncoming), "incoming_call")
	m.logger.Info("incoming call", "call_id", s.ID, "from", p.InitiatorID, "kind", p.CallType)
	m.persist()
	m.mon.StartRingTimer(s.ID)
	return nil
}

func (m *Machine) handleCallStarted(env *signal.Envelope) error {
	if m.duplicate(env) {
		return nil
	}
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		return nil
	}
	if env.From != "" {
		m.mutate(func() { s.upsertParticipant(env.From, "ringing") })
	}
	return nil
}

// handleCallJoined moves an outgoing call to connecting and schedules the
// caller-side offer after the settle delay, so both transports exist before
// the SDP lands
func (m *Machine) handleCallJoined(env *signal.Envelope) error {
	if m.duplicate(env) {
		return nil
	}
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		return nil
	}

	m.mutate(func() { s.upsertParticipant(env.From, "joined") })

	switch s.Status {
	case StatusOutgoing:
		m.mutate(func() { m.setStatus(s, StatusConnecting, "call_joined") })
		m.persist()
		m.scheduleOffer(s.ID, env.From)
	case StatusConnecting, StatusConnected:
		// Additional member of a group call; the mesh offer flows through
		// participant_joined
	default:
		m.logger.Debug("call_joined in unexpected status",
			"call_id", s.ID, "status", s.Status)
	}
	return nil
}

// scheduleOffer queues the offer toward one remote after the settle delay
func (m *Machine) scheduleOffer(callID, remoteID string) {
	time.AfterFunc(m.cfg.SettleDelay, func() {
		m.queue.enqueue("offer", callID, prioSignal, func() error {
			return m.sendOfferTo(callID, remoteID)
		})
	})
}

func (m *Machine) sendOfferTo(callID, remoteID string) error {
	s := m.currentLocked()
	if s == nil || s.ID != callID || s.Status == StatusEnded {
		return nil
	}

	link, created, err := m.peers.EnsureLink(m.ctx, callID, remoteID)
	if err != nil {
		metrics.NegotiationFailures.Inc()
		return err
	}
	if created {
		metrics.ActivePeerLinks.Set(float64(m.peers.Count()))
	}

	sdp, err := link.CreateOffer(m.localTracks(s))
	if err != nil {
		var nse *peer.NegotiationStateError
		if errors.As(err, &nse) {
			// Negotiation already in flight or too late; skip, never retry
			m.logger.Info("offer skipped", "remote_id", remoteID, "error", err)
			return nil
		}
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("create offer: %w", err)
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if err := m.signaler.SendOffer(ctx, callID, remoteID, sdp); err != nil {
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (m *Machine) handleOffer(env *signal.Envelope) error {
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		m.logger.Debug("offer for unknown call ignored", "call_id", env.CallID)
		return nil
	}
	if s.Status != StatusConnecting && s.Status != StatusConnected {
		m.logger.Debug("offer in unexpected status ignored",
			"call_id", s.ID, "status", s.Status)
		return nil
	}

	var p signal.DescriptionPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	link, created, err := m.peers.EnsureLink(m.ctx, s.ID, env.From)
	if err != nil {
		metrics.NegotiationFailures.Inc()
		return err
	}
	if created {
		metrics.ActivePeerLinks.Set(float64(m.peers.Count()))
	}

	answer, err := link.HandleRemoteOffer(p.SDP, m.localTracks(s))
	if err != nil {
		var nse *peer.NegotiationStateError
		if errors.As(err, &nse) {
			m.logger.Info("answer skipped", "remote_id", env.From, "error", err)
			return nil
		}
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("answer offer: %w", err)
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if err := m.signaler.SendAnswer(ctx, s.ID, env.From, answer); err != nil {
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func (m *Machine) handleAnswer(env *signal.Envelope) error {
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		return nil
	}

	link := m.peers.Get(env.From)
	if link == nil {
		m.logger.Warn("answer without a link ignored", "remote_id", env.From)
		return nil
	}

	var p signal.DescriptionPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	if err := link.HandleRemoteAnswer(p.SDP); err != nil {
		var nse *peer.NegotiationStateError
		if errors.As(err, &nse) {
			m.logger.Info("stale answer skipped", "remote_id", env.From, "error", err)
			return nil
		}
		metrics.NegotiationFailures.Inc()
		return fmt.Errorf("apply answer: %w", err)
	}
	return nil
}

// handleCandidate applies a trickled candidate. The link is created on
// demand because candidates may race ahead of the offer; the link queues
// them until a remote description exists.
func (m *Machine) handleCandidate(env *signal.Envelope) error {
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		return nil
	}

	var p signal.CandidatePayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	link, created, err := m.peers.EnsureLink(m.ctx, s.ID, env.From)
	if err != nil {
		return err
	}
	if created {
		metrics.ActivePeerLinks.Set(float64(m.peers.Count()))
	}

	return link.AddRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	})
}

func (m *Machine) handleCallEnded(env *signal.Envelope) error {
	if m.duplicate(env) {
		return nil
	}

	reason := EndReasonHangup
	var p signal.EndCallPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err == nil && p.Reason != "" {
			reason = p.Reason
		}
	}

	// The remote side already terminated; no end signal back
	return m.teardown(env.CallID, reason, false)
}

// handleCallRejected treats the rejection as the terminal transition. The
// backend emits no separate call_ended for a rejected call, and a duplicate
// end would be a no-op anyway.
func (m *Machine) handleCallRejected(env *signal.Envelope) error {
	if m.duplicate(env) {
		return nil
	}
	return m.teardown(env.CallID, EndReasonRejected, false)
}

// handleParticipantJoined drives the group mesh: every existing member
// offers toward the newcomer
func (m *Machine) handleParticipantJoined(env *signal.Envelope) error {
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		return nil
	}

	var p signal.ParticipantPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.UserID == m.cfg.SelfID {
		return nil
	}

	m.mutate(func() { s.upsertParticipant(p.UserID, "joined") })
	m.persist()

	if s.Status == StatusConnecting || s.Status == StatusConnected {
		m.scheduleOffer(s.ID, p.UserID)
	}
	return nil
}

func (m *Machine) handleParticipantLeft(env *signal.Envelope) error {
	s := m.currentLocked()
	if s == nil || s.ID != env.CallID {
		return nil
	}

	var p signal.ParticipantPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	m.mutate(func() { s.upsertParticipant(p.UserID, "left") })
	m.peers.CloseLink(p.UserID)
	metrics.ActivePeerLinks.Set(float64(m.peers.Count()))
	m.persist()
	return nil
}

// OnPeerState receives transport state changes from the peer layer
func (m *Machine) OnPeerState(remoteID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.queue.enqueue("transport-connected", "", prioControl, func() error {
			return m.handleTransportConnected(remoteID)
		})
	case webrtc.PeerConnectionStateFailed:
		m.queue.enqueue("transport-failed", "", prioTeardown, func() error {
			return m.handleTransportFailed(remoteID)
		})
	}
}

func (m *Machine) handleTransportConnected(remoteID string) error {
	s := m.currentLocked()
	if s == nil || s.Status != StatusConnecting {
		return nil
	}

	m.mutate(func() {
		m.setStatus(s, StatusConnected, "transport connected to "+remoteID)
		now := time.Now()
		s.ConnectedAt = &now
	})
	m.persist()

	m.mon.StopRingTimer(s.ID)
	m.mon.StartLiveness(s.ID)
	metrics.CallsConnected.Inc()
	m.logger.Info("call connected", "call_id", s.ID, "remote_id", remoteID)
	return nil
}

// handleTransportFailed ends the call when the last transport fails. A
// single failed link in a group call only drops that member.
func (m *Machine) handleTransportFailed(remoteID string) error {
	s := m.currentLocked()
	if s == nil || s.Status == StatusEnded {
		return nil
	}

	m.logger.Warn("transport failed", "call_id", s.ID, "remote_id", remoteID)
	m.peers.CloseLink(remoteID)
	metrics.ActivePeerLinks.Set(float64(m.peers.Count()))

	if m.peers.Count() == 0 && (s.Status == StatusConnecting || s.Status == StatusConnected) {
		return m.teardown(s.ID, EndReasonError, true)
	}
	return nil
}

// OnLocalCandidate trickles a gathered candidate to the remote it belongs to
func (m *Machine) OnLocalCandidate(remoteID string, cand webrtc.ICECandidateInit) {
	s := m.currentLocked()
	if s == nil || s.Status == StatusEnded {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	if err := m.signaler.SendCandidate(ctx, s.ID, remoteID, signal.CandidatePayload{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}); err != nil {
		m.logger.Warn("send candidate failed", "remote_id", remoteID, "error", err)
	}
}
