// Package tracks owns the local microphone/camera publication lifecycle.
// All publication state changes go through the Manager; no other component
// may touch transport track handles directly.
package tracks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/transport"
)

var (
	// ErrNotPublished is returned when operating on a kind with no publication.
	ErrNotPublished = errors.New("tracks: not published")
	// ErrHardwareStillActive reports that the release ladder exhausted every
	// tier and the capture device may still be engaged.
	ErrHardwareStillActive = errors.New("tracks: hardware still active after forced cleanup")
	// ErrEnableDiverged reports that desired and actual enabled state could
	// not be converged within the retry budget.
	ErrEnableDiverged = errors.New("tracks: enabled state did not converge")

	// errTierSkipped marks a ladder tier that has nothing to do, as opposed to
	// one that tried and failed.
	errTierSkipped = errors.New("tracks: release tier not configured")
)

const (
	defaultGracefulTimeout = 3 * time.Second
	defaultSettleDelay     = 300 * time.Millisecond
	enableRetryBudget      = 3
	enableRetryDelay       = 100 * time.Millisecond
)

// DeviceOpener acquires local capture devices.
type DeviceOpener interface {
	OpenCapture(ctx context.Context, kind eventbus.TrackKind) (transport.CaptureSource, error)
}

// DeviceOpenerFunc adapts a function to the DeviceOpener interface.
type DeviceOpenerFunc func(ctx context.Context, kind eventbus.TrackKind) (transport.CaptureSource, error)

// OpenCapture implements DeviceOpener.
func (f DeviceOpenerFunc) OpenCapture(ctx context.Context, kind eventbus.TrackKind) (transport.CaptureSource, error) {
	return f(ctx, kind)
}

// GracefulReleaser is the owning session/agent wrapper's normal release API,
// tried first by the release ladder.
type GracefulReleaser func(ctx context.Context, kind eventbus.TrackKind) error

// Option configures the Manager.
type Option func(*Manager)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithGracefulReleaser sets the tier-1 release callback.
func WithGracefulReleaser(fn GracefulReleaser) Option {
	return func(m *Manager) {
		m.graceful = fn
	}
}

// WithGracefulTimeout bounds the tier-1 graceful release attempt.
func WithGracefulTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.gracefulTimeout = d
		}
	}
}

// WithSettleDelay overrides the post-cleanup settle delay before the same
// kind may be republished.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

type publishedTrack struct {
	pub     transport.Publication
	source  transport.CaptureSource
	desired bool // desired enabled state
}

// Manager publishes, mutes and releases local media tracks. Release goes
// through an ordered ladder of increasingly primitive strategies so a real
// device resource is never left engaged after the user ends a call.
type Manager struct {
	adapter  transport.Adapter
	devices  DeviceOpener
	bus      *eventbus.Bus
	logger   zerolog.Logger
	graceful GracefulReleaser

	gracefulTimeout time.Duration
	settleDelay     time.Duration

	mu           sync.Mutex
	tracks       map[eventbus.TrackKind]*publishedTrack
	settledUntil map[eventbus.TrackKind]time.Time
}

// New constructs a track manager on top of the transport adapter.
func New(adapter transport.Adapter, devices DeviceOpener, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		adapter:         adapter,
		devices:         devices,
		bus:             bus,
		logger:          zerolog.Nop(),
		gracefulTimeout: defaultGracefulTimeout,
		settleDelay:     defaultSettleDelay,
		tracks:          make(map[eventbus.TrackKind]*publishedTrack),
		settledUntil:    make(map[eventbus.TrackKind]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Published reports whether a track of the given kind is currently published.
func (m *Manager) Published(kind eventbus.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracks[kind]
	return ok
}

// ActiveCount reports how many publications of the kind still hold an engaged
// device.
func (m *Manager) ActiveCount(kind eventbus.TrackKind) int {
	return m.adapter.ActiveTrackCount(kind)
}

// Publish acquires the capture device for kind and publishes it. Publishing
// an already-published kind is a no-op: the device is never double-published.
func (m *Manager) Publish(ctx context.Context, kind eventbus.TrackKind) error {
	m.mu.Lock()
	if _, ok := m.tracks[kind]; ok {
		m.mu.Unlock()
		return nil
	}
	wait := time.Until(m.settledUntil[kind])
	m.mu.Unlock()

	// Honour the settle window left by a previous cleanup so we do not race
	// the hardware release.
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	source, err := m.devices.OpenCapture(ctx, kind)
	if err != nil {
		return fmt.Errorf("tracks: open %s device: %w", kind, err)
	}

	pub, err := m.adapter.PublishTrack(ctx, source)
	if err != nil {
		// Never leak an engaged device on a failed publish.
		if stopErr := source.Stop(); stopErr != nil {
			m.logger.Warn().Err(stopErr).Str("kind", string(kind)).Msg("device release after failed publish")
		}
		return fmt.Errorf("tracks: publish %s: %w", kind, err)
	}

	m.mu.Lock()
	m.tracks[kind] = &publishedTrack{pub: pub, source: source, desired: true}
	m.mu.Unlock()

	m.logger.Info().Str("kind", string(kind)).Str("sid", pub.SID()).Msg("track published")
	m.publishState(ctx, kind)
	return nil
}

// SetEnabled converges the publication's enabled state to the desired value,
// retrying within a bounded budget. On divergence the publication is left in
// its actual state and a recoverable error is surfaced — never a silent
// mismatch.
func (m *Manager) SetEnabled(ctx context.Context, kind eventbus.TrackKind, enabled bool) error {
	m.mu.Lock()
	track, ok := m.tracks[kind]
	if !ok {
		m.mu.Unlock()
		return ErrNotPublished
	}
	track.desired = enabled
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= enableRetryBudget; attempt++ {
		if err := track.pub.SetEnabled(enabled); err != nil {
			lastErr = err
			m.logger.Debug().Err(err).
				Str("kind", string(kind)).
				Int("attempt", attempt).
				Msg("set enabled retry")
			select {
			case <-time.After(enableRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		m.publishState(ctx, kind)
		return nil
	}

	eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceTrackManager, eventbus.NoticeEvent{
		Text:  fmt.Sprintf("Could not change %s state, please try again", kind),
		Level: eventbus.NoticeWarning,
	})
	return fmt.Errorf("%w: %s: %v", ErrEnableDiverged, kind, lastErr)
}

// Unpublish removes the publication for kind, releasing the device.
func (m *Manager) Unpublish(ctx context.Context, kind eventbus.TrackKind) error {
	m.mu.Lock()
	track, ok := m.tracks[kind]
	if !ok {
		m.mu.Unlock()
		return ErrNotPublished
	}
	delete(m.tracks, kind)
	m.mu.Unlock()

	err := m.adapter.UnpublishTrack(ctx, track.pub, true)
	m.markSettled(kind)
	m.publishState(ctx, kind)
	if err != nil {
		return fmt.Errorf("tracks: unpublish %s: %w", kind, err)
	}
	return nil
}

// Release tears down the publication for kind through the ordered ladder:
//
//  1. graceful release via the owning wrapper, bounded by a timeout
//  2. manual unpublish with device release
//  3. forced low-level stop on any track still reporting active
//
// After each tier the active device count is verified; the ladder stops at
// the first tier that verifiably succeeds. If the device is still engaged
// after the last tier a user-visible warning is emitted — never a silent
// success.
func (m *Manager) Release(ctx context.Context, kind eventbus.TrackKind) error {
	type tier struct {
		name string
		run  func(context.Context) error
	}

	tiers := []tier{
		{"graceful", func(ctx context.Context) error { return m.releaseGraceful(ctx, kind) }},
		{"unpublish", func(ctx context.Context) error { return m.releaseUnpublish(ctx, kind) }},
		{"force-stop", func(ctx context.Context) error { return m.releaseForceStop(kind) }},
	}

	for _, t := range tiers {
		if err := t.run(ctx); err != nil {
			if errors.Is(err, errTierSkipped) {
				m.logger.Debug().
					Str("kind", string(kind)).
					Str("tier", t.name).
					Msg("release tier skipped")
				continue
			}
			m.logger.Warn().Err(err).
				Str("kind", string(kind)).
				Str("tier", t.name).
				Msg("release tier failed, escalating")
			continue
		}
		if m.adapter.ActiveTrackCount(kind) == 0 {
			m.logger.Info().Str("kind", string(kind)).Str("tier", t.name).Msg("track released")
			m.forget(kind)
			m.markSettled(kind)
			m.publishState(ctx, kind)
			return nil
		}
		m.logger.Warn().
			Str("kind", string(kind)).
			Str("tier", t.name).
			Msg("release tier reported success but device still active, escalating")
	}

	m.forget(kind)
	m.markSettled(kind)
	m.publishState(ctx, kind)

	if m.adapter.ActiveTrackCount(kind) == 0 {
		return nil
	}

	eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceTrackManager, eventbus.NoticeEvent{
		Text:  "Your microphone may still be in use. Please check your device settings.",
		Level: eventbus.NoticeWarning,
	})
	return fmt.Errorf("%w: %s", ErrHardwareStillActive, kind)
}

// ForceReleaseAll runs the release ladder for every published kind.
func (m *Manager) ForceReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	kinds := make([]eventbus.TrackKind, 0, len(m.tracks))
	for kind := range m.tracks {
		kinds = append(kinds, kind)
	}
	m.mu.Unlock()

	var firstErr error
	for _, kind := range kinds {
		if err := m.Release(ctx, kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// releaseGraceful asks the owning wrapper to release the track through its
// normal API. A timeout counts as failure; the underlying operation is not
// force-cancelled, the ladder simply moves on (which is why the forced
// low-level stop exists as a backstop).
func (m *Manager) releaseGraceful(ctx context.Context, kind eventbus.TrackKind) error {
	if m.graceful == nil {
		return errTierSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, m.gracefulTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.graceful(ctx, kind)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("tracks: graceful release timed out after %s", m.gracefulTimeout)
	}
}

// releaseUnpublish enumerates publications of the kind and unpublishes each,
// requesting hardware release as well.
func (m *Manager) releaseUnpublish(ctx context.Context, kind eventbus.TrackKind) error {
	m.mu.Lock()
	track, ok := m.tracks[kind]
	m.mu.Unlock()
	if !ok {
		return ErrNotPublished
	}
	return m.adapter.UnpublishTrack(ctx, track.pub, true)
}

// releaseForceStop bypasses the publication abstraction and stops the raw
// device handle of anything still active.
func (m *Manager) releaseForceStop(kind eventbus.TrackKind) error {
	m.mu.Lock()
	track, ok := m.tracks[kind]
	m.mu.Unlock()

	var firstErr error
	if ok && track.pub.Active() {
		if err := track.pub.StopHard(); err != nil {
			firstErr = err
		}
	}
	// The publication handle may already be gone while the device is not;
	// stop the source directly as the most primitive fallback.
	if ok && track.source.Active() {
		if err := track.source.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("tracks: force stop %s: %w", kind, firstErr)
	}
	return nil
}

func (m *Manager) forget(kind eventbus.TrackKind) {
	m.mu.Lock()
	delete(m.tracks, kind)
	m.mu.Unlock()
}

// markSettled records the settle window after a cleanup, deferring the next
// publish of the same kind past hardware release timing.
func (m *Manager) markSettled(kind eventbus.TrackKind) {
	m.mu.Lock()
	m.settledUntil[kind] = time.Now().Add(m.settleDelay)
	m.mu.Unlock()
}

func (m *Manager) publishState(ctx context.Context, kind eventbus.TrackKind) {
	m.mu.Lock()
	track, ok := m.tracks[kind]
	published := ok
	enabled := ok && track.pub.Enabled()
	m.mu.Unlock()

	eventbus.Publish(ctx, m.bus, eventbus.Media.Track, eventbus.SourceTrackManager, eventbus.MediaStateEvent{
		Kind:      kind,
		Published: published,
		Enabled:   enabled,
	})
}
