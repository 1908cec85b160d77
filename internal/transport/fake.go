package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/internal/eventbus"
)

// FakeAdapter is an in-memory Adapter used by orchestrator tests. Connect and
// publish failures can be scripted, events injected with Emit, and every call
// is recorded for assertions.
type FakeAdapter struct {
	mu        sync.Mutex
	events    chan Event
	connected bool
	nextSID   int

	// ConnectErrs is consumed one error per Connect call; nil entries succeed.
	ConnectErrs  []error
	PrewarmErr   error
	PublishErr   error
	UnpublishErr error
	SendErr      error

	pubs           []*FakePublication
	SentData       []SentData
	ConnectCalls   int
	PrewarmCalls   int
	UnpublishCalls []UnpublishCall
}

// SentData records one SendData invocation.
type SentData struct {
	Topic   string
	Payload []byte
}

// UnpublishCall records one UnpublishTrack invocation.
type UnpublishCall struct {
	SID             string
	StopOnUnpublish bool
}

// NewFakeAdapter creates a fake with a buffered event stream.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{events: make(chan Event, 64)}
}

// Emit injects an event into the adapter's stream.
func (f *FakeAdapter) Emit(ev Event) {
	f.events <- ev
}

func (f *FakeAdapter) Prewarm(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PrewarmCalls++
	return f.PrewarmErr
}

func (f *FakeAdapter) Connect(ctx context.Context, creds Credentials) error {
	f.mu.Lock()
	f.ConnectCalls++
	call := f.ConnectCalls
	var err error
	if len(f.ConnectErrs) > 0 {
		err = f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
	}
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()

	if err != nil {
		return fmt.Errorf("fake connect attempt %d: %w", call, err)
	}
	f.events <- ConnectionStateChanged{State: ConnStateConnected}
	return nil
}

func (f *FakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()
	if wasConnected {
		f.events <- ConnectionStateChanged{State: ConnStateDisconnected}
	}
	return nil
}

// Connected reports the fake's connection flag.
func (f *FakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeAdapter) PublishTrack(ctx context.Context, source CaptureSource) (Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return nil, f.PublishErr
	}
	f.nextSID++
	pub := &FakePublication{
		sid:     fmt.Sprintf("TR_fake_%d", f.nextSID),
		source:  source,
		enabled: true,
	}
	f.pubs = append(f.pubs, pub)
	return pub, nil
}

func (f *FakeAdapter) UnpublishTrack(ctx context.Context, pub Publication, stopOnUnpublish bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnpublishCalls = append(f.UnpublishCalls, UnpublishCall{SID: pub.SID(), StopOnUnpublish: stopOnUnpublish})
	if f.UnpublishErr != nil {
		return f.UnpublishErr
	}
	for i, p := range f.pubs {
		if p.sid == pub.SID() {
			f.pubs = append(f.pubs[:i], f.pubs[i+1:]...)
			if stopOnUnpublish {
				return p.source.Stop()
			}
			return nil
		}
	}
	return ErrTrackNotFound
}

func (f *FakeAdapter) ActiveTrackCount(kind eventbus.TrackKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, p := range f.pubs {
		if p.Kind() == kind && p.Active() {
			count++
		}
	}
	return count
}

// Sent returns a copy of all recorded SendData calls.
func (f *FakeAdapter) Sent() []SentData {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentData, len(f.SentData))
	copy(out, f.SentData)
	return out
}

// Publications returns the currently published fakes.
func (f *FakeAdapter) Publications() []*FakePublication {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakePublication, len(f.pubs))
	copy(out, f.pubs)
	return out
}

func (f *FakeAdapter) SendData(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.SentData = append(f.SentData, SentData{Topic: topic, Payload: buf})
	return nil
}

func (f *FakeAdapter) Events() <-chan Event {
	return f.events
}

// CloseEvents closes the fake's event stream.
func (f *FakeAdapter) CloseEvents() {
	close(f.events)
}

// FakePublication implements Publication over a CaptureSource.
type FakePublication struct {
	mu      sync.Mutex
	sid     string
	source  CaptureSource
	enabled bool

	SetEnabledErr error
	StopHardErr   error
}

func (p *FakePublication) SID() string { return p.sid }

func (p *FakePublication) Kind() eventbus.TrackKind { return p.source.Kind() }

func (p *FakePublication) SetEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetEnabledErr != nil {
		return p.SetEnabledErr
	}
	p.enabled = enabled
	p.source.SetEnabled(enabled)
	return nil
}

func (p *FakePublication) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *FakePublication) Active() bool { return p.source.Active() }

func (p *FakePublication) StopHard() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StopHardErr != nil {
		return p.StopHardErr
	}
	return p.source.Stop()
}

// FakeSource implements CaptureSource for tests. The device is considered
// engaged from construction until Stop succeeds.
type FakeSource struct {
	mu      sync.Mutex
	kind    eventbus.TrackKind
	frames  chan Frame
	enabled bool
	active  bool

	StopErr   error
	StopCalls int
}

// NewFakeSource creates an engaged, enabled source of the given kind.
func NewFakeSource(kind eventbus.TrackKind) *FakeSource {
	return &FakeSource{
		kind:    kind,
		frames:  make(chan Frame),
		enabled: true,
		active:  true,
	}
}

func (s *FakeSource) Kind() eventbus.TrackKind { return s.kind }

func (s *FakeSource) Frames() <-chan Frame { return s.frames }

func (s *FakeSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *FakeSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *FakeSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *FakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.StopErr != nil {
		return s.StopErr
	}
	s.active = false
	return nil
}
