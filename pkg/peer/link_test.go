package peer

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelError
	log, err := logger.New(cfg)
	require.NoError(t, err)
	return log
}

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	return webrtc.NewAPI(webrtc.WithMediaEngine(me))
}

func newTestLink(t *testing.T, remoteID string) *Link {
	t.Helper()
	link, err := NewLink(context.Background(), newTestAPI(t), nil, "c1", remoteID,
		nil, nil, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(link.Close)
	return link
}

// remoteOffer builds a plain sendrecv offer the way a remote client would
func remoteOffer(t *testing.T) string {
	t.Helper()
	pc, err := newTestAPI(t).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return offer.SDP
}

func TestCreateOfferOnlyOnceOutstanding(t *testing.T) {
	link := newTestLink(t, "user-b")

	sdp, err := link.CreateOffer(nil)
	require.NoError(t, err)
	require.NotEmpty(t, sdp)

	_, err = link.CreateOffer(nil)
	var nse *NegotiationStateError
	require.ErrorAs(t, err, &nse)
	require.Equal(t, "offer", nse.Op)
}

func TestHandleRemoteAnswerRequiresOutstandingOffer(t *testing.T) {
	link := newTestLink(t, "user-b")

	err := link.HandleRemoteAnswer("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\n")
	var nse *NegotiationStateError
	require.ErrorAs(t, err, &nse)
}

func TestOfferAnswerRound(t *testing.T) {
	link := newTestLink(t, "user-b")

	offerSDP, err := link.CreateOffer(nil)
	require.NoError(t, err)

	// Remote side answers with plain pion
	remote, err := newTestAPI(t).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close()

	require.NoError(t, remote.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(answer))

	require.NoError(t, link.HandleRemoteAnswer(answer.SDP))
}

func TestHandleRemoteOfferProducesAnswer(t *testing.T) {
	link := newTestLink(t, "user-b")

	answerSDP, err := link.HandleRemoteOffer(remoteOffer(t), nil)
	require.NoError(t, err)
	require.NotEmpty(t, answerSDP)

	sections, err := mediaSections(answerSDP)
	require.NoError(t, err)
	require.Equal(t, 2, sections)
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	link := newTestLink(t, "user-b")

	idx := uint16(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, link.AddRemoteCandidate(webrtc.ICECandidateInit{
			Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
			SDPMLineIndex: &idx,
		}))
	}
	require.Equal(t, 3, link.PendingCandidates())

	_, err := link.HandleRemoteOffer(remoteOffer(t), nil)
	require.NoError(t, err)
	require.Zero(t, link.PendingCandidates(), "queue must be flushed after the description")

	// Post-description candidates apply directly
	require.NoError(t, link.AddRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     "candidate:2 1 udp 2130706430 192.0.2.2 54322 typ host",
		SDPMLineIndex: &idx,
	}))
	require.Zero(t, link.PendingCandidates())
}

func TestRejectsMalformedSDP(t *testing.T) {
	link := newTestLink(t, "user-b")

	_, err := link.HandleRemoteOffer("not an sdp", nil)
	require.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	link := newTestLink(t, "user-b")
	link.Close()
	link.Close()
}

func TestMediaSections(t *testing.T) {
	n, err := mediaSections(remoteOffer(t))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = mediaSections("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	require.Error(t, err, "sdp without m-lines must be rejected")
}
