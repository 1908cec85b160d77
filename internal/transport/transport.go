// Package transport defines the contract between the orchestration core and
// the real-time media/session connection. The orchestrator consumes the event
// stream and issues calls; connection establishment, codec negotiation and
// network transport live behind the Adapter implementation.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
)

var (
	// ErrNotConnected is returned for calls that require an established session.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrTrackNotFound is returned when unpublishing an unknown publication.
	ErrTrackNotFound = errors.New("transport: track not found")
)

// ConnectionState describes the transport-level connection lifecycle.
// It is lower level than the session state machine: the machine derives its
// own states from these events plus local intent.
type ConnectionState string

const (
	ConnStateConnecting   ConnectionState = "connecting"
	ConnStateConnected    ConnectionState = "connected"
	ConnStateReconnecting ConnectionState = "reconnecting"
	ConnStateDisconnected ConnectionState = "disconnected"
	ConnStateFailed       ConnectionState = "failed"
)

// Credentials identify one end-user connection to a room.
type Credentials struct {
	URL      string
	Token    string
	Room     string
	Identity string
}

// Participant describes a remote or local room member.
type Participant struct {
	Identity string
	Name     string
	IsAgent  bool
}

// Frame is one encoded media frame ready for the wire. Encoding is owned by
// the device layer; the transport only forwards frames.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// CaptureSource abstracts a single local capture device (microphone or
// camera). Only the track lifecycle manager may mutate publication state
// built on top of a source.
type CaptureSource interface {
	Kind() eventbus.TrackKind
	// Frames delivers encoded frames while the device is engaged.
	Frames() <-chan Frame
	// SetEnabled pauses or resumes frame production without releasing the device.
	SetEnabled(enabled bool)
	Enabled() bool
	// Active reports whether the hardware device is still engaged.
	Active() bool
	// Stop releases the hardware device. It must be idempotent.
	Stop() error
}

// Publication is the handle for one locally published track.
type Publication interface {
	SID() string
	Kind() eventbus.TrackKind
	// SetEnabled mutes or unmutes the publication without unpublishing.
	SetEnabled(enabled bool) error
	Enabled() bool
	// Active reports whether the underlying capture device is still engaged.
	Active() bool
	// StopHard invokes the most primitive stop operation on the underlying
	// device handle, bypassing the publication abstraction. Last-resort
	// cleanup only.
	StopHard() error
}

// Event is the closed set of notifications emitted by an Adapter.
// Implementations must emit events in delivery order.
type Event interface{ transportEvent() }

// ConnectionStateChanged reports transport connectivity transitions.
type ConnectionStateChanged struct {
	State ConnectionState
	Err   error // set for failed / unexpected disconnects
}

// ParticipantJoined is emitted when a remote participant enters the room.
type ParticipantJoined struct {
	Participant Participant
}

// ParticipantLeft is emitted when a remote participant leaves the room.
type ParticipantLeft struct {
	Participant Participant
}

// TrackPublished reports a successful local publication.
type TrackPublished struct {
	Kind eventbus.TrackKind
	SID  string
}

// TrackSubscribed reports a remote track becoming available.
type TrackSubscribed struct {
	Kind        eventbus.TrackKind
	SID         string
	Participant Participant
}

// TrackUnsubscribed reports a remote track going away.
type TrackUnsubscribed struct {
	Kind eventbus.TrackKind
	SID  string
}

// DataReceived carries one data-channel message with its topic.
type DataReceived struct {
	Topic   string
	Payload []byte
	From    string
}

// PlaybackChanged reports whether remote audio playback is permitted.
type PlaybackChanged struct {
	Allowed bool
}

// QualityChanged reports connection quality as measured by the transport.
type QualityChanged struct {
	Quality       string
	LatencyMillis int
}

func (ConnectionStateChanged) transportEvent() {}
func (ParticipantJoined) transportEvent()      {}
func (ParticipantLeft) transportEvent()        {}
func (TrackPublished) transportEvent()         {}
func (TrackSubscribed) transportEvent()        {}
func (TrackUnsubscribed) transportEvent()      {}
func (DataReceived) transportEvent()           {}
func (PlaybackChanged) transportEvent()        {}
func (QualityChanged) transportEvent()         {}

// Adapter wraps the real-time media/session connection.
type Adapter interface {
	// Prewarm establishes transport resources ahead of Connect without
	// completing the handshake. Purely a latency optimisation; failures are
	// non-fatal and callers log rather than surface them.
	Prewarm(ctx context.Context) error
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error

	// PublishTrack publishes the source as a local track.
	PublishTrack(ctx context.Context, source CaptureSource) (Publication, error)
	// UnpublishTrack removes a publication. When stopOnUnpublish is true the
	// underlying hardware device is released as well, not just the logical
	// publication.
	UnpublishTrack(ctx context.Context, pub Publication, stopOnUnpublish bool) error
	// ActiveTrackCount reports how many local publications of the given kind
	// still have an engaged capture device.
	ActiveTrackCount(kind eventbus.TrackKind) int

	// SendData publishes one data-channel message under a topic.
	SendData(ctx context.Context, topic string, payload []byte) error

	// Events exposes the ordered event stream. The channel is closed after
	// Disconnect completes.
	Events() <-chan Event
}
