// Package devices provides capture source implementations for the track
// manager. Frame production is push-based: the platform capture layer feeds
// encoded frames in, mirroring how raw audio enters the system from outside
// the process.
package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/tracks"
	"github.com/parley-ai/parley/internal/transport"
)

// ErrSourceStopped is returned when pushing into a released source.
var ErrSourceStopped = errors.New("devices: source stopped")

const frameBufferSize = 64

// PushSource is a CaptureSource whose frames are supplied by an external
// producer. The device counts as engaged from construction until Stop.
type PushSource struct {
	kind   eventbus.TrackKind
	frames chan transport.Frame

	mu      sync.Mutex
	enabled bool
	active  bool
}

// NewPushSource creates an engaged, enabled source of the given kind.
func NewPushSource(kind eventbus.TrackKind) *PushSource {
	return &PushSource{
		kind:    kind,
		frames:  make(chan transport.Frame, frameBufferSize),
		enabled: true,
		active:  true,
	}
}

// Push hands one encoded frame to the transport pump. Frames pushed while
// the source is disabled are dropped at the producer side; a full buffer
// drops the oldest queued frame to keep latency bounded.
func (s *PushSource) Push(data []byte, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrSourceStopped
	}
	if !s.enabled {
		return nil
	}

	frame := transport.Frame{Data: data, Duration: duration}
	for {
		select {
		case s.frames <- frame:
			return nil
		default:
			select {
			case <-s.frames:
			default:
			}
		}
	}
}

// Kind implements transport.CaptureSource.
func (s *PushSource) Kind() eventbus.TrackKind { return s.kind }

// Frames implements transport.CaptureSource.
func (s *PushSource) Frames() <-chan transport.Frame { return s.frames }

// SetEnabled implements transport.CaptureSource.
func (s *PushSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Enabled implements transport.CaptureSource.
func (s *PushSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Active implements transport.CaptureSource.
func (s *PushSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop releases the source. Idempotent; the frame channel is closed so the
// transport pump terminates.
func (s *PushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	close(s.frames)
	return nil
}

// Opener hands out push sources and retains the most recent one per kind so
// the capture layer can locate the live source to feed.
type Opener struct {
	mu      sync.Mutex
	current map[eventbus.TrackKind]*PushSource
}

// NewOpener constructs an Opener.
func NewOpener() *Opener {
	return &Opener{current: make(map[eventbus.TrackKind]*PushSource)}
}

// OpenCapture implements the track manager's device contract.
func (o *Opener) OpenCapture(ctx context.Context, kind eventbus.TrackKind) (transport.CaptureSource, error) {
	src := NewPushSource(kind)
	o.mu.Lock()
	o.current[kind] = src
	o.mu.Unlock()
	return src, nil
}

// ReleaseGracefully is the polite release path for the track manager's
// ladder: the live source is disabled so the pump stops forwarding frames,
// then stopped to disengage the device. A kind with no live source is a
// no-op.
func (o *Opener) ReleaseGracefully(ctx context.Context, kind eventbus.TrackKind) error {
	src := o.Current(kind)
	if src == nil {
		return nil
	}
	src.SetEnabled(false)
	return src.Stop()
}

// Current returns the live source for a kind, or nil when none is open.
func (o *Opener) Current(kind eventbus.TrackKind) *PushSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	src := o.current[kind]
	if src == nil || !src.Active() {
		return nil
	}
	return src
}

var _ tracks.DeviceOpener = (*Opener)(nil)
var _ transport.CaptureSource = (*PushSource)(nil)
