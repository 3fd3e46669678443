//go:build !linux || !cgo

package media

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// stubBackend supports no hardware capture. Calls still work receive-only;
// the session machine degrades to signaling-only participation.
type stubBackend struct {
	logger *logger.Logger
}

// NewBackend creates the platform capture backend
func NewBackend(_ Options, log *logger.Logger) (CaptureBackend, error) {
	return &stubBackend{logger: log.With("component", "media")}, nil
}

func (b *stubBackend) NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func (b *stubBackend) Acquire(Constraints) (*TrackSet, error) {
	return nil, &AcquisitionError{
		Reason: ReasonUnsupported,
		Err:    errors.New("no capture drivers on this platform"),
	}
}

func (b *stubBackend) AcquireScreen(Constraints) (*TrackSet, error) {
	return nil, &AcquisitionError{
		Reason: ReasonUnsupported,
		Err:    errors.New("no screen capture on this platform"),
	}
}
