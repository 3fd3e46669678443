package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/backend"
	"github.com/nist-kishan/collabcall/pkg/bus"
	"github.com/nist-kishan/collabcall/pkg/dedup"
	"github.com/nist-kishan/collabcall/pkg/logger"
	"github.com/nist-kishan/collabcall/pkg/media"
	"github.com/nist-kishan/collabcall/pkg/metrics"
	"github.com/nist-kishan/collabcall/pkg/monitor"
	"github.com/nist-kishan/collabcall/pkg/peer"
	"github.com/nist-kishan/collabcall/pkg/signal"
	"github.com/nist-kishan/collabcall/pkg/store"
)

var (
	// ErrActionInFlight rejects a local action while a prior one for the
	// same call is still executing.
	ErrActionInFlight = errors.New("action already in flight for this call")
	// ErrNoSuchCall rejects an action naming a call the machine does not hold.
	ErrNoSuchCall = errors.New("no such call")
	// ErrWrongState rejects an action invalid in the current status.
	ErrWrongState = errors.New("call is not in a state that allows this action")
)

// Backend is the slice of the REST client the machine needs
type Backend interface {
	StartCall(ctx context.Context, chatID string, callType backend.CallType) (*backend.Call, error)
	JoinCall(ctx context.Context, callID string) (*backend.Call, error)
	EndCall(ctx context.Context, callID, endReason string) error
	RejectCall(ctx context.Context, callID string) error
	UpdateCallSettings(ctx context.Context, callID string, settings backend.CallSettings) error
	GetCallByID(ctx context.Context, callID string) (*backend.Call, error)
}

// Signaler is the slice of the channel adapter the machine needs
type Signaler interface {
	StartCall(ctx context.Context, callID, chatID, callType string) error
	JoinCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID, reason string) error
	SendOffer(ctx context.Context, callID, to, sdp string) error
	SendAnswer(ctx context.Context, callID, to, sdp string) error
	SendCandidate(ctx context.Context, callID, to string, cand signal.CandidatePayload) error
}

// PeerLink is one remote transport as the machine sees it
type PeerLink interface {
	RemoteID() string
	State() webrtc.PeerConnectionState
	CreateOffer(tracks []webrtc.TrackLocal) (string, error)
	HandleRemoteOffer(sdp string, tracks []webrtc.TrackLocal) (string, error)
	HandleRemoteAnswer(sdp string) error
	AddRemoteCandidate(cand webrtc.ICECandidateInit) error
}

// PeerLayer is the link manager as the machine sees it
type PeerLayer interface {
	EnsureLink(ctx context.Context, callID, remoteID string) (PeerLink, bool, error)
	Get(remoteID string) PeerLink
	CloseLink(remoteID string)
	CloseAll()
	Count() int
	ReplaceVideoTrackAll(track webrtc.TrackLocal) error
	Stats() []peer.LinkStats
}

// MediaLayer is the capture manager as the machine sees it
type MediaLayer interface {
	Acquire(withVideo bool) (*media.TrackSet, error)
	AcquireScreen() (*media.TrackSet, error)
	ReleaseScreen()
	Current() *media.TrackSet
	Release()
	LiveTrackCount() int
}

// Config tunes the machine
type Config struct {
	SelfID            string
	UnansweredTimeout time.Duration
	LivenessPoll      time.Duration
	SettleDelay       time.Duration
	MinParticipants   int
}

// Deps are the collaborators the machine drives
type Deps struct {
	Backend   Backend
	Signaler  Signaler
	Media     MediaLayer
	Snapshots *store.Store
	Window    *dedup.Window
}

// Machine is the call session state machine
type Machine struct {
	cfg       Config
	backend   Backend
	signaler  Signaler
	media     MediaLayer
	snapshots *store.Store
	window    *dedup.Window
	mon       *monitor.Monitor
	queue     *dispatchQueue
	logger    *logger.Logger

	peers PeerLayer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.RWMutex
	session *Session
	last    *Session
	role    store.Role
}

// NewMachine creates the state machine. SetPeerLayer must be called before
// Run so transport callbacks have somewhere to land.
func NewMachine(cfg Config, deps Deps, log *logger.Logger) *Machine {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 300 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:       cfg,
		backend:   deps.Backend,
		signaler:  deps.Signaler,
		media:     deps.Media,
		snapshots: deps.Snapshots,
		window:    deps.Window,
		logger:    log.With("component", "session"),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.queue = newDispatchQueue(m.logger)

	m.mon = monitor.New(monitor.Config{
		UnansweredTimeout: cfg.UnansweredTimeout,
		PollInterval:      cfg.LivenessPoll,
		MinParticipants:   cfg.MinParticipants,
	}, m.countParticipants, m.ForceEnd, log)

	return m
}

// SetPeerLayer binds the transport layer
func (m *Machine) SetPeerLayer(p PeerLayer) { m.peers = p }

// Run starts the dispatch worker. Rehydrate first when resuming.
func (m *Machine) Run() {
	m.queue.start()
}

// Close tears the machine down, ending any live call first
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		if s := m.Current(); s != nil {
			_ = m.End(s.ID)
		}
		m.cancel()
		m.queue.stop()
		m.mon.Close()
		m.wg.Wait()
	})
}

// Current returns a copy of the live session, or nil
func (m *Machine) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.clone()
}

// Last returns a copy of the most recently ended session, or nil
func (m *Machine) Last() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.clone()
}

// PeerStats reports the open links for the status API
func (m *Machine) PeerStats() []peer.LinkStats {
	return m.peers.Stats()
}

// ConsumeBus runs the command bus subscription until the bus closes
func (m *Machine) ConsumeBus(b *bus.Bus) {
	ch, cancelSub := b.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelSub()
		for {
			select {
			case <-m.ctx.Done():
				return
			case cmd, ok := <-ch:
				if !ok {
					return
				}
				var err error
				switch cmd.Action {
				case bus.ActionAccept:
					err = m.Accept(cmd.CallID)
				case bus.ActionReject:
					err = m.Reject(cmd.CallID)
				case bus.ActionEnd:
					err = m.End(cmd.CallID)
				}
				if err != nil {
					m.logger.Warn("bus command failed",
						"action", cmd.Action, "call_id", cmd.CallID, "error", err)
				}
			}
		}
	}()
}

// Start begins an outgoing call in a chat. An already-active call is torn
// down first: local tracks are exclusively owned by one session.
func (m *Machine) Start(ctx context.Context, chatID, callType string) (*Session, error) {
	var out *Session
	err := m.queue.submit("start", "", prioControl, func() error {
		if prev := m.currentLocked(); prev != nil {
			m.logger.Info("ending previous call before starting a new one",
				"previous_call_id", prev.ID)
			if err := m.teardown(prev.ID, EndReasonHangup, true); err != nil {
				return err
			}
		}

		call, err := m.backend.StartCall(ctx, chatID, backend.CallType(callType))
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}

		s := m.sessionFromCall(call)
		s.Status = StatusOutgoing
		s.StartedAt = time.Now()

		m.mu.Lock()
		m.session = s
		m.mu.Unlock()

		m.logger.DebugTransition(s.ID, string(StatusIdle), string(StatusOutgoing), "local start")
		m.persist()
		metrics.CallsStarted.Inc()

		if err := m.signaler.StartCall(ctx, s.ID, chatID, callType); err != nil {
			// The backend knows about the call; undo rather than leave a
			// call nobody can ring.
			m.logger.Error("announce call failed, rolling back", "error", err)
			_ = m.teardown(s.ID, EndReasonError, true)
			return fmt.Errorf("announce call: %w", err)
		}

		m.mon.StartRingTimer(s.ID)
		out = s.clone()
		return nil
	})
	return out, err
}

// Accept answers an incoming call
func (m *Machine) Accept(callID string) error {
	if !m.window.Begin(callID) {
		return ErrActionInFlight
	}
	defer m.window.Finish(callID)

	return m.queue.submit("accept", callID, prioControl, func() error {
		s := m.currentLocked()
		if s == nil || s.ID != callID {
			return ErrNoSuchCall
		}
		if s.Status != StatusIncoming {
			return fmt.Errorf("%w: status %s", ErrWrongState, s.Status)
		}

		ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
		defer cancel()

		call, err := m.backend.JoinCall(ctx, callID)
		if err != nil {
			return fmt.Errorf("join call: %w", err)
		}
		m.mutate(func() {
			m.adoptParticipants(s, call)
			s.upsertParticipant(m.cfg.SelfID, "joined")
			m.setStatus(s, StatusConnecting, "local accept")
		})

		// Initialize media now; the offer arrives from the caller. Failure
		// degrades to signaling-only instead of failing the accept.
		if _, err := m.acquireLocalMedia(s); err != nil {
			m.logger.Warn("media unavailable, answering signaling-only",
				"reason", media.Reason(err), "error", err)
			m.mutate(func() { s.Degraded = true })
		}
		m.persist()

		if err := m.signaler.JoinCall(ctx, callID); err != nil {
			return fmt.Errorf("announce join: %w", err)
		}
		return nil
	})
}

// Reject declines an incoming call. The rejection is the terminal signal;
// no separate end signal follows.
func (m *Machine) Reject(callID string) error {
	if !m.window.Begin(callID) {
		return ErrActionInFlight
	}
	defer m.window.Finish(callID)

	return m.queue.submit("reject", callID, prioControl, func() error {
		s := m.currentLocked()
		if s == nil || s.ID != callID {
			return ErrNoSuchCall
		}
		if s.Status != StatusIncoming {
			return fmt.Errorf("%w: status %s", ErrWrongState, s.Status)
		}

		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		if err := m.backend.RejectCall(ctx, callID); err != nil {
			m.logger.Warn("backend reject failed", "error", err)
		}
		if err := m.signaler.RejectCall(ctx, callID); err != nil {
			m.logger.Warn("announce reject failed", "error", err)
		}

		return m.teardown(callID, EndReasonRejected, false)
	})
}

// End hangs up the current call from any state. Idempotent: ending an
// already-ended call is a no-op.
func (m *Machine) End(callID string) error {
	return m.queue.submit("end", callID, prioTeardown, func() error {
		return m.teardown(callID, EndReasonHangup, true)
	})
}

// ForceEnd is the monitor's entry point for timer-driven terminations
func (m *Machine) ForceEnd(callID, reason string) {
	m.queue.enqueue("force-end", callID, prioTeardown, func() error {
		return m.teardown(callID, reason, true)
	})
}

// SetMuted toggles the microphone and mirrors the setting to the backend
func (m *Machine) SetMuted(muted bool) error {
	return m.controlAction("mute", func(s *Session) error {
		s.Settings.Muted = muted
		return nil
	})
}

// SetVideoOff toggles the camera and mirrors the setting to the backend
func (m *Machine) SetVideoOff(off bool) error {
	return m.controlAction("video", func(s *Session) error {
		s.Settings.VideoOff = off
		return nil
	})
}

// SetScreenShare toggles screen sharing. The outgoing video track is swapped
// in place on every link, so the established transports survive without a
// new offer/answer round.
func (m *Machine) SetScreenShare(on bool) error {
	return m.controlAction("screen-share", func(s *Session) error {
		if on {
			set, err := m.media.AcquireScreen()
			if err != nil {
				return fmt.Errorf("acquire screen: %w", err)
			}
			if err := m.peers.ReplaceVideoTrackAll(set.Video); err != nil {
				m.media.ReleaseScreen()
				return fmt.Errorf("switch to screen track: %w", err)
			}
			s.Settings.ScreenShare = true
			return nil
		}

		// Restore the camera, re-acquiring when the original stream was
		// not retained
		cam := m.media.Current()
		if cam == nil || cam.Video == nil {
			var err error
			cam, err = m.media.Acquire(true)
			if err != nil {
				m.media.ReleaseScreen()
				return fmt.Errorf("reacquire camera: %w", err)
			}
		}
		if err := m.peers.ReplaceVideoTrackAll(cam.Video); err != nil {
			return fmt.Errorf("restore camera track: %w", err)
		}
		m.media.ReleaseScreen()
		s.Settings.ScreenShare = false
		return nil
	})
}

// controlAction runs a settings mutation on the dispatch goroutine and
// mirrors the result to the backend
func (m *Machine) controlAction(name string, fn func(*Session) error) error {
	return m.queue.submit(name, "", prioControl, func() error {
		s := m.currentLocked()
		if s == nil {
			return ErrNoSuchCall
		}
		if s.Status != StatusConnected {
			return fmt.Errorf("%w: status %s", ErrWrongState, s.Status)
		}
		var ferr error
		m.mutate(func() { ferr = fn(s) })
		if ferr != nil {
			return ferr
		}
		m.persist()

		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		if err := m.backend.UpdateCallSettings(ctx, s.ID, backend.CallSettings{
			Muted:       s.Settings.Muted,
			VideoOff:    s.Settings.VideoOff,
			ScreenShare: s.Settings.ScreenShare,
		}); err != nil {
			m.logger.Warn("mirror settings failed", "error", err)
		}
		return nil
	})
}

// Rehydrate restores a persisted in-flight call before the machine starts
// accepting events. Snapshots whose call the backend reports ended (or gone)
// are discarded.
func (m *Machine) Rehydrate(ctx context.Context) error {
	snaps, err := m.snapshots.LoadAll()
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil
	}

	// Prefer the most advanced role
	var role store.Role
	for _, r := range []store.Role{store.RoleActive, store.RoleOutgoing, store.RoleIncoming} {
		if _, ok := snaps[r]; ok {
			role = r
			break
		}
	}
	snap := snaps[role]

	call, err := m.backend.GetCallByID(ctx, snap.CallID)
	if err != nil || call.Status == "ended" {
		m.logger.Info("discarding stale call snapshot",
			"call_id", snap.CallID, "role", role)
		return m.snapshots.Clear()
	}

	s := m.sessionFromCall(call)
	s.Status = Status(snap.Status)
	s.StartTimeFrom(snap.StartTime)

	m.mu.Lock()
	m.session = s
	m.role = role
	m.mu.Unlock()

	switch s.Status {
	case StatusIncoming, StatusOutgoing, StatusConnecting:
		m.mon.StartRingTimer(s.ID)
	case StatusConnected:
		// The transport did not survive the restart; the liveness poll
		// will end the call if the remote side is gone too.
		m.mon.StartLiveness(s.ID)
	}

	m.logger.Info("rehydrated call session",
		"call_id", s.ID, "status", s.Status, "role", role)
	return nil
}

// StartTimeFrom keeps the original start time across a restart
func (s *Session) StartTimeFrom(t time.Time) {
	if !t.IsZero() {
		s.StartedAt = t
	}
}

// teardown is the single terminal path. It runs on the dispatch goroutine,
// is idempotent, and works from every state: stop timers, close links,
// release media, clear dedup state and the snapshot, then return to idle.
func (m *Machine) teardown(callID, reason string, emitEnd bool) error {
	m.mu.Lock()
	s := m.session
	if s == nil || (callID != "" && s.ID != callID) || s.Status == StatusEnded {
		m.mu.Unlock()
		return nil
	}
	prev := s.Status
	now := time.Now()
	s.Status = StatusEnded
	s.EndedAt = &now
	s.EndReason = reason
	m.mu.Unlock()

	m.logger.DebugTransition(s.ID, string(prev), string(StatusEnded), reason)
	m.logger.Info("call ended", "call_id", s.ID, "end_reason", reason, "from_status", prev)

	m.mon.StopAll(s.ID)
	m.peers.CloseAll()
	m.media.Release()
	m.window.Clear(s.ID)
	if err := m.snapshots.Clear(); err != nil {
		m.logger.Warn("clear snapshot failed", "error", err)
	}

	metrics.CallsEnded.WithLabelValues(reason).Inc()
	metrics.ActivePeerLinks.Set(0)

	if emitEnd {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.signaler.EndCall(ctx, s.ID, reason); err != nil {
			m.logger.Warn("send end signal failed", "error", err)
		}
		if err := m.backend.EndCall(ctx, s.ID, reason); err != nil {
			m.logger.Warn("report end to backend failed", "error", err)
		}
	}

	// ended → idle only after teardown completed
	m.mu.Lock()
	m.last = s
	m.session = nil
	m.role = ""
	m.mu.Unlock()
	return nil
}

// currentLocked is for use on the dispatch goroutine only
func (m *Machine) currentLocked() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// mutate runs a session mutation under the write lock so concurrent
// Current() readers always see a consistent session
func (m *Machine) mutate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Machine) setStatus(s *Session, to Status, cause string) {
	from := s.Status
	s.Status = to
	m.logger.DebugTransition(s.ID, string(from), string(to), cause)
}

// persist saves the snapshot for the current status, moving it between role
// slots as the call advances
func (m *Machine) persist() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}

	var role store.Role
	switch s.Status {
	case StatusIncoming:
		role = store.RoleIncoming
	case StatusOutgoing:
		role = store.RoleOutgoing
	case StatusConnecting, StatusConnected:
		role = store.RoleActive
	default:
		m.mu.Unlock()
		return
	}
	prevRole := m.role
	m.role = role

	participants := make([]string, 0, len(s.Participants))
	for id := range s.Participants {
		participants = append(participants, id)
	}
	remote := ""
	if ids := s.remoteIDs(m.cfg.SelfID); len(ids) > 0 {
		remote = ids[0]
	}
	snap := &store.Snapshot{
		CallID:       s.ID,
		ReceiverID:   remote,
		Type:         s.Kind,
		StartTime:    s.StartedAt,
		Status:       string(s.Status),
		Participants: participants,
	}
	m.mu.Unlock()

	if prevRole != "" && prevRole != role {
		if err := m.snapshots.Delete(prevRole); err != nil {
			m.logger.Warn("drop previous snapshot role failed", "error", err)
		}
	}
	if err := m.snapshots.Save(role, snap); err != nil {
		m.logger.Warn("persist snapshot failed", "error", err)
	}
}

// sessionFromCall builds the in-memory session from a backend record
func (m *Machine) sessionFromCall(call *backend.Call) *Session {
	s := &Session{
		ID:           call.ID,
		ChatID:       call.ChatID,
		Kind:         string(call.Type),
		Group:        call.Group,
		InitiatorID:  call.InitiatorID,
		Participants: make(map[string]*Participant),
		StartedAt:    time.Now(),
	}
	m.adoptParticipants(s, call)
	return s
}

func (m *Machine) adoptParticipants(s *Session, call *backend.Call) {
	for _, p := range call.Participants {
		s.upsertParticipant(p.UserID, p.Status)
	}
}

// acquireLocalMedia acquires camera/mic for the session's kind, tolerating
// degraded outcomes
func (m *Machine) acquireLocalMedia(s *Session) (*media.TrackSet, error) {
	if ts := m.media.Current(); ts != nil {
		return ts, nil
	}
	withVideo := s.Kind == "video" && !s.Settings.VideoOff
	ts, err := m.media.Acquire(withVideo)
	if err != nil {
		return nil, err
	}
	if ts.Degraded {
		m.mutate(func() { s.Degraded = true })
		m.logger.Warn("capture degraded below ideal constraints",
			"call_id", s.ID, "video", ts.Video != nil)
	}
	return ts, nil
}

// localTracks returns the attachable local tracks, or nil for
// signaling-only participation
func (m *Machine) localTracks(s *Session) []webrtc.TrackLocal {
	ts, err := m.acquireLocalMedia(s)
	if err != nil {
		m.logger.Warn("no local media, proceeding signaling-only",
			"reason", media.Reason(err))
		m.mutate(func() { s.Degraded = true })
		return nil
	}
	return ts.Tracks()
}

// countParticipants is the monitor's CountFunc; the backend record is
// authoritative for who is still in the call
func (m *Machine) countParticipants(ctx context.Context, callID string) (int, error) {
	call, err := m.backend.GetCallByID(ctx, callID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range call.Participants {
		if p.Status != "left" && p.Status != "ended" {
			n++
		}
	}
	return n, nil
}
