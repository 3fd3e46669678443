package media

import (
	"sync"
	"time"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// busyRetryWait is how long to wait after releasing everything before the
// single device_busy retry.
const busyRetryWait = 500 * time.Millisecond

// Manager drives layered acquisition over a CaptureBackend and enforces
// exclusive track ownership: at most one camera/mic set and one screen set
// are live at a time.
type Manager struct {
	backend CaptureBackend
	opts    Options
	logger  *logger.Logger

	mu      sync.Mutex
	current *TrackSet
	screen  *TrackSet
}

// NewManager creates a capture manager over the given backend
func NewManager(backend CaptureBackend, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		backend: backend,
		opts:    opts,
		logger:  log.With("component", "media"),
	}
}

// Acquire opens local capture with a layered fallback: ideal constraints,
// then reduced constraints, then audio-only. A device_busy failure releases
// everything held and retries the same layer once. The returned set has
// Degraded set when anything below the ideal layer succeeded.
func (m *Manager) Acquire(withVideo bool) (*TrackSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Exclusive ownership: a fresh acquisition replaces whatever is live
	if m.current != nil {
		m.current.Release()
		m.current = nil
	}

	var layers []Constraints
	if withVideo {
		layers = []Constraints{
			{Video: true, Audio: true},
			{Video: true, Audio: true, MaxWidth: m.opts.MaxWidth, MaxHeight: m.opts.MaxHeight},
			{Audio: true},
		}
	} else {
		layers = []Constraints{{Audio: true}}
	}

	var lastErr error
	for i, c := range layers {
		set, err := m.acquireLayer(c)
		if err != nil {
			lastErr = err
			m.logger.Warn("capture attempt failed",
				"layer", i,
				"video", c.Video,
				"reason", Reason(err),
				"error", err,
			)
			continue
		}

		set.Degraded = i > 0
		m.current = set
		m.logger.Info("local media captured",
			"video", set.Video != nil,
			"audio", set.Audio != nil,
			"degraded", set.Degraded,
		)
		return set, nil
	}

	return nil, lastErr
}

// acquireLayer runs one constraint layer with the device_busy retry
func (m *Manager) acquireLayer(c Constraints) (*TrackSet, error) {
	set, err := m.backend.Acquire(c)
	if err == nil {
		return set, nil
	}
	if Reason(err) != ReasonDeviceBusy {
		return nil, err
	}

	// Another surface may still hold the device; drop everything we own,
	// give the driver a moment, then retry once.
	m.logger.Warn("capture device busy, releasing and retrying")
	m.releaseAllLocked()
	time.Sleep(busyRetryWait)

	return m.backend.Acquire(c)
}

// AcquireScreen opens a display capture track for screen sharing
func (m *Manager) AcquireScreen() (*TrackSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screen != nil {
		m.screen.Release()
		m.screen = nil
	}

	set, err := m.backend.AcquireScreen(Constraints{Video: true})
	if err != nil {
		return nil, err
	}
	m.screen = set
	return set, nil
}

// ReleaseScreen stops the screen capture track. Safe when none is live.
func (m *Manager) ReleaseScreen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		m.screen.Release()
		m.screen = nil
	}
}

// Current returns the live camera/mic set, or nil
func (m *Manager) Current() *TrackSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Release stops every live track. Called on teardown; idempotent.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked()
}

func (m *Manager) releaseAllLocked() {
	if m.current != nil {
		m.current.Release()
		m.current = nil
	}
	if m.screen != nil {
		m.screen.Release()
		m.screen = nil
	}
}

// LiveTrackCount reports how many local tracks are currently live
func (m *Manager) LiveTrackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	if m.current != nil {
		n += len(m.current.Tracks())
	}
	if m.screen != nil {
		n += len(m.screen.Tracks())
	}
	return n
}
