// Package peer manages one WebRTC transport per remote participant: the
// offer/answer exchange, trickled ICE candidates, local track attachment and
// replacement, and RTCP feedback.
package peer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// StateHandler receives connection state changes for one link
type StateHandler func(remoteID string, state webrtc.PeerConnectionState)

// CandidateHandler receives locally gathered ICE candidates for trickling
type CandidateHandler func(remoteID string, cand webrtc.ICECandidateInit)

// Link is the peer connection toward one remote participant
type Link struct {
	callID   string
	remoteID string
	logger   *logger.Logger
	pc       *webrtc.PeerConnection

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Cached so status reads never block on pc.ConnectionState()
	connStateMu     sync.RWMutex
	cachedConnState webrtc.PeerConnectionState

	// negMu guards the negotiation round and the candidate queue
	negMu             sync.Mutex
	offerOutstanding  bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit

	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	packetsReceived atomic.Uint64

	onStateChange StateHandler
	onCandidate   CandidateHandler
}

// NewLink creates the peer connection toward one remote participant. Local
// tracks are attached lazily by the first offer or answer.
func NewLink(ctx context.Context, api *webrtc.API, stunServers []string, callID, remoteID string,
	onStateChange StateHandler, onCandidate CandidateHandler, log *logger.Logger) (*Link, error) {

	ctx, cancel := context.WithCancel(ctx)

	l := &Link{
		callID:          callID,
		remoteID:        remoteID,
		logger:          log.With("component", "peer", "remote_id", remoteID),
		ctx:             ctx,
		cancel:          cancel,
		cachedConnState: webrtc.PeerConnectionStateNew,
		onStateChange:   onStateChange,
		onCandidate:     onCandidate,
	}

	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	l.pc = pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.connStateMu.Lock()
		l.cachedConnState = state
		l.connStateMu.Unlock()
		l.logger.Info("peer connection state changed", "state", state.String())
		if l.onStateChange != nil {
			l.onStateChange(l.remoteID, state)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering; candidates are trickled, so there
		// is nothing to flush here
		if c == nil || l.onCandidate == nil {
			return
		}
		init := c.ToJSON()
		l.logger.DebugCandidate(l.callID, l.remoteID, init.Candidate)
		l.onCandidate(l.remoteID, init)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info("remote track started",
			"kind", track.Kind().String(), "ssrc", track.SSRC())
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.drainRemote(track)
		}()
	})

	return l, nil
}

// RemoteID returns the remote participant this link serves
func (l *Link) RemoteID() string { return l.remoteID }

// State returns the cached peer connection state
func (l *Link) State() webrtc.PeerConnectionState {
	l.connStateMu.RLock()
	defer l.connStateMu.RUnlock()
	return l.cachedConnState
}

// PacketsReceived reports inbound RTP packets across all remote tracks
func (l *Link) PacketsReceived() uint64 {
	return l.packetsReceived.Load()
}

// PendingCandidates reports how many remote candidates await a description
func (l *Link) PendingCandidates() int {
	l.negMu.Lock()
	defer l.negMu.Unlock()
	return len(l.pendingCandidates)
}

// CreateOffer starts a negotiation round toward the remote. Valid only while
// the connection is new or connecting and no local offer is outstanding;
// otherwise a NegotiationStateError is returned. Local tracks are attached
// first when no senders exist yet, because attaching after negotiation would
// force a renegotiation round.
func (l *Link) CreateOffer(tracks []webrtc.TrackLocal) (string, error) {
	l.negMu.Lock()
	defer l.negMu.Unlock()

	state := l.State()
	if state != webrtc.PeerConnectionStateNew && state != webrtc.PeerConnectionStateConnecting {
		return "", &NegotiationStateError{Op: "offer", RemoteID: l.remoteID, State: state.String()}
	}
	if l.offerOutstanding {
		return "", &NegotiationStateError{Op: "offer", RemoteID: l.remoteID, State: "offer-outstanding"}
	}

	if err := l.ensureSendersLocked(tracks); err != nil {
		return "", err
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	l.offerOutstanding = true
	l.logger.DebugSDPPayload("offer", l.callID, offer.SDP)
	return offer.SDP, nil
}

// HandleRemoteOffer applies a remote offer and produces the answer. When
// tracks is empty the link answers with recvonly transceivers so the call
// proceeds in degraded, receive-only form.
func (l *Link) HandleRemoteOffer(sdpBody string, tracks []webrtc.TrackLocal) (string, error) {
	sections, err := mediaSections(sdpBody)
	if err != nil {
		return "", fmt.Errorf("remote offer rejected: %w", err)
	}

	l.negMu.Lock()
	defer l.negMu.Unlock()

	if err := l.ensureSendersLocked(tracks); err != nil {
		return "", err
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdpBody,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	l.remoteSet = true
	l.flushCandidatesLocked()

	if st := l.pc.SignalingState(); st != webrtc.SignalingStateHaveRemoteOffer {
		return "", &NegotiationStateError{Op: "answer", RemoteID: l.remoteID, State: st.String()}
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	l.logger.DebugSDP("remote offer answered", "call_id", l.callID, "media_sections", sections)
	return answer.SDP, nil
}

// HandleRemoteAnswer completes the negotiation round started by CreateOffer
func (l *Link) HandleRemoteAnswer(sdpBody string) error {
	if _, err := mediaSections(sdpBody); err != nil {
		return fmt.Errorf("remote answer rejected: %w", err)
	}

	l.negMu.Lock()
	defer l.negMu.Unlock()

	if !l.offerOutstanding {
		return &NegotiationStateError{Op: "apply answer", RemoteID: l.remoteID, State: "no-offer-outstanding"}
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdpBody,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	l.remoteSet = true
	l.offerOutstanding = false
	l.flushCandidatesLocked()
	return nil
}

// AddRemoteCandidate applies a trickled candidate, queueing it until a remote
// description exists. Queued candidates are flushed in arrival order and are
// never dropped.
func (l *Link) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	l.negMu.Lock()
	defer l.negMu.Unlock()

	if !l.remoteSet {
		l.pendingCandidates = append(l.pendingCandidates, cand)
		l.logger.DebugICE("candidate queued",
			"call_id", l.callID, "pending", len(l.pendingCandidates))
		return nil
	}

	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (l *Link) flushCandidatesLocked() {
	for _, cand := range l.pendingCandidates {
		if err := l.pc.AddICECandidate(cand); err != nil {
			l.logger.Warn("flush queued candidate failed", "error", err)
		}
	}
	if n := len(l.pendingCandidates); n > 0 {
		l.logger.DebugICE("candidate queue flushed", "call_id", l.callID, "count", n)
	}
	l.pendingCandidates = nil
}

// ensureSendersLocked attaches local tracks when none are attached yet. With
// no tracks it falls back to recvonly transceivers so the SDP still carries
// valid m-lines.
func (l *Link) ensureSendersLocked(tracks []webrtc.TrackLocal) error {
	if len(l.pc.GetSenders()) > 0 {
		return nil
	}

	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add recvonly transceiver: %w", err)
			}
		}
		l.logger.Info("no local tracks, answering receive-only")
		return nil
	}

	for _, track := range tracks {
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			l.videoSender = sender
		case webrtc.RTPCodecTypeAudio:
			l.audioSender = sender
		}

		l.wg.Add(1)
		go func(s *webrtc.RTPSender, kind string) {
			defer l.wg.Done()
			l.readRTCP(s, kind)
		}(sender, track.Kind().String())
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video track in place. The established
// transport survives, so screen share toggling needs no new offer/answer
// round trip.
func (l *Link) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	l.negMu.Lock()
	sender := l.videoSender
	l.negMu.Unlock()

	if sender == nil {
		return fmt.Errorf("no video sender on link to %s", l.remoteID)
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}

	l.logger.Info("outgoing video track replaced")
	return nil
}

// drainRemote consumes inbound RTP so the receiver's jitter buffer and
// interceptors keep running, and counts packets for liveness stats
func (l *Link) drainRemote(track *webrtc.TrackRemote) {
	for {
		_, _, err := track.ReadRTP()
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				if err != io.EOF {
					l.logger.Debug("remote track read ended", "error", err)
				}
			}
			return
		}
		l.packetsReceived.Add(1)
	}
}

// readRTCP reads feedback from one RTPSender and logs what the remote is
// asking for
func (l *Link) readRTCP(sender *webrtc.RTPSender, trackType string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				if err != io.EOF && err != io.ErrClosedPipe {
					l.logger.Debug("rtcp reader stopped", "track", trackType, "error", err)
				}
			}
			return
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				l.logger.Warn("RTCP PLI received, remote requesting keyframe",
					"track", trackType, "media_ssrc", pkt.MediaSSRC)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				l.logger.Debug("RTCP REMB received",
					"track", trackType, "bitrate_bps", pkt.Bitrate)
			case *rtcp.ReceiverReport:
				l.logger.Debug("RTCP RR received",
					"track", trackType, "reports", len(pkt.Reports))
			}
		}
	}
}

// Close tears the link down. Idempotent; local tracks are owned by the media
// layer and are not stopped here.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		if err := l.pc.Close(); err != nil {
			l.logger.Warn("close peer connection", "error", err)
		}
		l.wg.Wait()
		l.logger.Info("peer link closed")
	})
}

// mediaSections sanity-parses an SDP body before it reaches the transport,
// returning the number of m-lines
func mediaSections(raw string) (int, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return 0, fmt.Errorf("parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return 0, fmt.Errorf("sdp has no media sections")
	}
	return len(desc.MediaDescriptions), nil
}
