package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// LinkStats is a point-in-time view of one link for the status API
type LinkStats struct {
	RemoteID          string `json:"remoteId"`
	State             string `json:"state"`
	PacketsReceived   uint64 `json:"packetsReceived"`
	PendingCandidates int    `json:"pendingCandidates"`
}

// Manager owns one Link per remote participant of the active call. Group
// calls form a mesh: every member holds a direct link to every other member.
type Manager struct {
	api         *webrtc.API
	stunServers []string
	logger      *logger.Logger

	onStateChange StateHandler
	onCandidate   CandidateHandler

	mu    sync.Mutex
	links map[string]*Link
}

// NewManager creates a link manager. State and candidate events from every
// link are funneled through the two handlers.
func NewManager(api *webrtc.API, stunServers []string,
	onStateChange StateHandler, onCandidate CandidateHandler, log *logger.Logger) *Manager {
	return &Manager{
		api:           api,
		stunServers:   stunServers,
		logger:        log.With("component", "peer"),
		onStateChange: onStateChange,
		onCandidate:   onCandidate,
		links:         make(map[string]*Link),
	}
}

// EnsureLink returns the link toward a remote participant, creating it on
// first use. The second return reports whether the link was created now.
func (m *Manager) EnsureLink(ctx context.Context, callID, remoteID string) (*Link, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link, ok := m.links[remoteID]; ok {
		return link, false, nil
	}

	link, err := NewLink(ctx, m.api, m.stunServers, callID, remoteID,
		m.onStateChange, m.onCandidate, m.logger)
	if err != nil {
		return nil, false, fmt.Errorf("create link to %s: %w", remoteID, err)
	}

	m.links[remoteID] = link
	m.logger.Info("peer link created", "call_id", callID, "remote_id", remoteID)
	return link, true, nil
}

// Get returns the link toward a remote participant, or nil
func (m *Manager) Get(remoteID string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[remoteID]
}

// CloseLink closes and removes one link. Safe when absent; the departed
// participant's remote stream dies with the transport.
func (m *Manager) CloseLink(remoteID string) {
	m.mu.Lock()
	link, ok := m.links[remoteID]
	if ok {
		delete(m.links, remoteID)
	}
	m.mu.Unlock()

	if ok {
		link.Close()
	}
}

// CloseAll tears down every link. Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}

// Count returns the number of open links
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// ReplaceVideoTrackAll swaps the outgoing video track on every link. Used
// for screen share toggling; links without a video sender are skipped.
func (m *Manager) ReplaceVideoTrackAll(track webrtc.TrackLocal) error {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	var firstErr error
	for _, l := range links {
		if err := l.ReplaceVideoTrack(track); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of every link, sorted by remote id
func (m *Manager) Stats() []LinkStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LinkStats, 0, len(m.links))
	for id, l := range m.links {
		out = append(out, LinkStats{
			RemoteID:          id,
			State:             l.State().String(),
			PacketsReceived:   l.PacketsReceived(),
			PendingCandidates: l.PendingCandidates(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}
