package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/peer"
)

// peerAdapter bridges *peer.Manager to the PeerLayer interface; the concrete
// *peer.Link return types do not satisfy the interface directly.
type peerAdapter struct {
	m *peer.Manager
}

// NewPeerAdapter wraps a link manager for use as the machine's peer layer
func NewPeerAdapter(m *peer.Manager) PeerLayer {
	return &peerAdapter{m: m}
}

func (a *peerAdapter) EnsureLink(ctx context.Context, callID, remoteID string) (PeerLink, bool, error) {
	link, created, err := a.m.EnsureLink(ctx, callID, remoteID)
	if err != nil {
		return nil, false, err
	}
	return link, created, nil
}

func (a *peerAdapter) Get(remoteID string) PeerLink {
	// a nil *peer.Link must come back as a nil interface
	if link := a.m.Get(remoteID); link != nil {
		return link
	}
	return nil
}

func (a *peerAdapter) CloseLink(remoteID string) { a.m.CloseLink(remoteID) }
func (a *peerAdapter) CloseAll()                 { a.m.CloseAll() }
func (a *peerAdapter) Count() int                { return a.m.Count() }

func (a *peerAdapter) ReplaceVideoTrackAll(track webrtc.TrackLocal) error {
	return a.m.ReplaceVideoTrackAll(track)
}

func (a *peerAdapter) Stats() []peer.LinkStats { return a.m.Stats() }
