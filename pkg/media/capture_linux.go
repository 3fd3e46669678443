//go:build linux && cgo

package media

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// deviceBackend captures via pion/mediadevices (V4L2 + malgo) with VP8+Opus
type deviceBackend struct {
	opts     Options
	selector *mediadevices.CodecSelector
	logger   *logger.Logger
}

// NewBackend creates the platform capture backend
func NewBackend(opts Options, log *logger.Logger) (CaptureBackend, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	b := &deviceBackend{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: log.With("component", "media"),
	}

	for _, d := range mediadevices.EnumerateDevices() {
		b.logger.DebugMedia("capture device", "kind", d.Kind, "label", d.Label)
	}

	return b, nil
}

// NewAPI builds a webrtc API whose media engine carries the VP8/Opus codecs
// the capture tracks are encoded with
func (b *deviceBackend) NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	b.selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts; the 5s default drops calls on brief NAT
	// rebinding outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (b *deviceBackend) Acquire(c Constraints) (*TrackSet, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: b.selector}
	if c.Video {
		maxW, maxH := c.MaxWidth, c.MaxHeight
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG camera nodes can hand the VP8
			// encoder malformed frames that break negotiation.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if maxW > 0 {
				mc.Width = prop.IntRanged{Max: maxW}
			}
			if maxH > 0 {
				mc.Height = prop.IntRanged{Max: maxH}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	return b.wrapStream(stream), nil
}

func (b *deviceBackend) AcquireScreen(c Constraints) (*TrackSet, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: b.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.MaxWidth > 0 {
				mc.Width = prop.IntRanged{Max: c.MaxWidth}
			}
			if c.MaxHeight > 0 {
				mc.Height = prop.IntRanged{Max: c.MaxHeight}
			}
		},
	}

	stream, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	return b.wrapStream(stream), nil
}

func (b *deviceBackend) wrapStream(stream mediadevices.MediaStream) *TrackSet {
	tracks := stream.GetTracks()
	set := &TrackSet{
		release: func() {
			for _, t := range tracks {
				t.Close()
			}
		},
	}

	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				b.logger.Warn("local track ended", "error", err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			set.Video = track
		case webrtc.RTPCodecTypeAudio:
			set.Audio = track
		}
	}

	b.logger.DebugMedia("capture ready", "tracks", len(tracks))
	return set
}
