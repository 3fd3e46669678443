// Package media owns local capture: camera, microphone and screen tracks,
// acquired with a layered constraint fallback and held under exclusive
// ownership so teardown can guarantee zero live tracks.
package media

import (
	"github.com/pion/webrtc/v4"
)

// Constraints describes one acquisition attempt
type Constraints struct {
	Video bool
	Audio bool
	// MaxWidth/MaxHeight cap the frame size; zero means the driver's ideal.
	MaxWidth  int
	MaxHeight int
}

// TrackSet is the result of one acquisition. Ownership is exclusive: the set
// is live until Release, and Release stops every track.
type TrackSet struct {
	Video webrtc.TrackLocal
	Audio webrtc.TrackLocal
	// Degraded is set when the acquisition succeeded only after falling
	// back from the ideal constraints.
	Degraded bool

	release func()
}

// Tracks returns the non-nil tracks in the set
func (ts *TrackSet) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if ts.Video != nil {
		out = append(out, ts.Video)
	}
	if ts.Audio != nil {
		out = append(out, ts.Audio)
	}
	return out
}

// Release stops every track in the set. Idempotent.
func (ts *TrackSet) Release() {
	if ts.release != nil {
		ts.release()
		ts.release = nil
	}
	ts.Video = nil
	ts.Audio = nil
}

// CaptureBackend abstracts the platform capture layer so the fallback logic
// and the session machine can be tested without hardware.
type CaptureBackend interface {
	// NewAPI builds the webrtc API whose media engine matches the codecs
	// this backend produces. Every PeerConnection carrying these tracks
	// must come from this API.
	NewAPI() (*webrtc.API, error)
	// Acquire opens camera and/or microphone per the constraints.
	Acquire(c Constraints) (*TrackSet, error)
	// AcquireScreen opens a display capture track (video only).
	AcquireScreen(c Constraints) (*TrackSet, error)
}

// Options configures the platform backend
type Options struct {
	STUNServers  []string
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}
