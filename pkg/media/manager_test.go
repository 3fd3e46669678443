package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	closed bool
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) RID() string               { return "" }
func (t *fakeTrack) StreamID() string          { return "local" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

// fakeBackend replays a scripted outcome per Acquire call
type fakeBackend struct {
	outcomes []error // nil means success for that call
	calls    []Constraints
	screens  int
}

func newSet(video bool) *TrackSet {
	set := &TrackSet{
		Audio: &fakeTrack{id: "audio", kind: webrtc.RTPCodecTypeAudio},
	}
	if video {
		set.Video = &fakeTrack{id: "video", kind: webrtc.RTPCodecTypeVideo}
	}
	set.release = func() {}
	return set
}

func (b *fakeBackend) NewAPI() (*webrtc.API, error) { return nil, nil }

func (b *fakeBackend) Acquire(c Constraints) (*TrackSet, error) {
	b.calls = append(b.calls, c)
	idx := len(b.calls) - 1
	if idx < len(b.outcomes) && b.outcomes[idx] != nil {
		return nil, b.outcomes[idx]
	}
	return newSet(c.Video), nil
}

func (b *fakeBackend) AcquireScreen(Constraints) (*TrackSet, error) {
	b.screens++
	set := &TrackSet{
		Video: &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo},
	}
	set.release = func() {}
	return set, nil
}

func newTestManager(t *testing.T, backend CaptureBackend) *Manager {
	t.Helper()
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelError
	log, err := logger.New(cfg)
	require.NoError(t, err)
	return NewManager(backend, Options{MaxWidth: 640, MaxHeight: 480}, log)
}

func TestAcquireIdealSucceeds(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b)

	set, err := m.Acquire(true)
	require.NoError(t, err)
	require.False(t, set.Degraded)
	require.NotNil(t, set.Video)
	require.NotNil(t, set.Audio)
	require.Len(t, b.calls, 1)
	require.Zero(t, b.calls[0].MaxWidth, "ideal layer must not cap resolution")
}

func TestAcquireFallsBackToReduced(t *testing.T) {
	b := &fakeBackend{outcomes: []error{
		&AcquisitionError{Reason: ReasonUnsupported, Err: errors.New("constraint mismatch")},
	}}
	m := newTestManager(t, b)

	set, err := m.Acquire(true)
	require.NoError(t, err)
	require.True(t, set.Degraded)
	require.Len(t, b.calls, 2)
	require.Equal(t, 640, b.calls[1].MaxWidth)
	require.Equal(t, 480, b.calls[1].MaxHeight)
}

func TestAcquireFallsBackToAudioOnly(t *testing.T) {
	constraintErr := &AcquisitionError{Reason: ReasonUnsupported, Err: errors.New("no video")}
	b := &fakeBackend{outcomes: []error{constraintErr, constraintErr}}
	m := newTestManager(t, b)

	set, err := m.Acquire(true)
	require.NoError(t, err)
	require.True(t, set.Degraded)
	require.Nil(t, set.Video)
	require.NotNil(t, set.Audio)
	require.Len(t, b.calls, 3)
	require.False(t, b.calls[2].Video)
}

func TestAcquireAllLayersFail(t *testing.T) {
	denied := &AcquisitionError{Reason: ReasonPermissionDenied, Err: errors.New("permission denied")}
	b := &fakeBackend{outcomes: []error{denied, denied, denied}}
	m := newTestManager(t, b)

	_, err := m.Acquire(true)
	require.Error(t, err)
	require.Equal(t, ReasonPermissionDenied, Reason(err))
}

func TestDeviceBusyRetriesOnce(t *testing.T) {
	b := &fakeBackend{outcomes: []error{
		&AcquisitionError{Reason: ReasonDeviceBusy, Err: errors.New("device busy")},
	}}
	m := newTestManager(t, b)

	set, err := m.Acquire(true)
	require.NoError(t, err)
	require.False(t, set.Degraded, "busy retry stays on the same layer")
	require.Len(t, b.calls, 2)
	require.Equal(t, b.calls[0], b.calls[1])
}

func TestAcquireAudioOnlyRequest(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b)

	set, err := m.Acquire(false)
	require.NoError(t, err)
	require.False(t, set.Degraded)
	require.Nil(t, set.Video)
	require.Len(t, b.calls, 1)
	require.False(t, b.calls[0].Video)
}

func TestReleaseDropsEverything(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b)

	_, err := m.Acquire(true)
	require.NoError(t, err)
	_, err = m.AcquireScreen()
	require.NoError(t, err)
	require.Equal(t, 3, m.LiveTrackCount())

	m.Release()
	require.Zero(t, m.LiveTrackCount())
	require.Nil(t, m.Current())

	m.Release() // idempotent
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg    string
		reason string
	}{
		{"open /dev/video0: permission denied", ReasonPermissionDenied},
		{"failed to find the best driver that fits the constraints", ReasonDeviceNotFound},
		{"open /dev/video0: device or resource busy", ReasonDeviceBusy},
		{"resource temporarily unavailable", ReasonDeviceBusy},
		{"something else entirely", ReasonUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			require.Equal(t, tt.reason, classify(errors.New(tt.msg)).Reason)
		})
	}
}
