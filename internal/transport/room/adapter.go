// Package room implements the transport adapter over a websocket signaling
// channel and a pion peer connection. Agent traffic rides a single data
// channel; local media is published as sample tracks.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/transport"
)

const (
	dataChannelLabel  = "parley"
	eventBufferSize   = 128
	resumeRetryBudget = 3
	defaultResumeWait = 5 * time.Second
)

// dataEnvelope frames one data-channel message with its topic.
type dataEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from,omitempty"`
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithICEServers overrides the default STUN configuration.
func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(a *Adapter) {
		if len(servers) > 0 {
			a.iceServers = servers
		}
	}
}

// Adapter is the production transport.Adapter.
type Adapter struct {
	logger     zerolog.Logger
	iceServers []webrtc.ICEServer
	resumeWait time.Duration

	events chan transport.Event

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	dc           *webrtc.DataChannel
	signal       *signalClient
	sendSignal   func(signalMessage) error
	pubs         map[string]*publication
	recovered    chan struct{}
	connected    bool
	closing      bool
	reconnecting bool
	eventsClosed bool
	identity     string
}

// New constructs an adapter. Connect establishes the session.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		logger: zerolog.Nop(),
		iceServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		resumeWait: defaultResumeWait,
		events:     make(chan transport.Event, eventBufferSize),
		pubs:       make(map[string]*publication),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Events exposes the ordered event stream.
func (a *Adapter) Events() <-chan transport.Event {
	return a.events
}

// Prewarm allocates the peer connection and data channel ahead of Connect so
// the later handshake only pays for signaling.
func (a *Adapter) Prewarm(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensurePeerLocked()
}

func (a *Adapter) ensurePeerLocked() error {
	if a.pc != nil {
		return nil
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: a.iceServers})
	if err != nil {
		return fmt.Errorf("room: create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("room: create data channel: %w", err)
	}
	dc.OnMessage(a.onDataMessage)

	// The agent side may open additional channels; treat them the same way.
	pc.OnDataChannel(func(ch *webrtc.DataChannel) {
		ch.OnMessage(a.onDataMessage)
	})

	pc.OnConnectionStateChange(a.handlePeerState)
	pc.OnICEConnectionStateChange(a.handleICEState)

	a.pc = pc
	a.dc = dc
	return nil
}

// handlePeerState maps peer connection transitions to transport events. A
// recovered peer completes the reconnecting cycle and stops the resume loop.
func (a *Adapter) handlePeerState(s webrtc.PeerConnectionState) {
	a.logger.Debug().Str("state", s.String()).Msg("peer state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		a.mu.Lock()
		wasReconnecting := a.reconnecting
		a.reconnecting = false
		recovered := a.recovered
		a.recovered = nil
		a.mu.Unlock()
		if wasReconnecting {
			if recovered != nil {
				close(recovered)
			}
			a.emit(transport.ConnectionStateChanged{State: transport.ConnStateConnected})
		}
	case webrtc.PeerConnectionStateFailed:
		a.emit(transport.ConnectionStateChanged{
			State: transport.ConnStateFailed,
			Err:   fmt.Errorf("room: peer connection failed"),
		})
	}
}

// handleICEState watches for transport interruptions. A disconnected ICE
// state emits the reconnecting event and starts the bounded resume loop.
func (a *Adapter) handleICEState(s webrtc.ICEConnectionState) {
	a.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	if s != webrtc.ICEConnectionStateDisconnected {
		return
	}

	a.mu.Lock()
	if a.reconnecting || a.closing || !a.connected || a.pc == nil {
		a.mu.Unlock()
		return
	}
	a.reconnecting = true
	a.recovered = make(chan struct{})
	pc := a.pc
	recovered := a.recovered
	send := a.sendSignal
	a.mu.Unlock()

	a.emit(transport.ConnectionStateChanged{State: transport.ConnStateReconnecting})
	go a.resume(pc, send, recovered)
}

// resume tries to bring an interrupted connection back with ICE restarts.
// Each attempt renegotiates through the live signaling channel, then waits
// for the peer to report connected again. An exhausted budget surfaces as a
// failed connection, never an indefinite reconnecting state.
func (a *Adapter) resume(pc *webrtc.PeerConnection, send func(signalMessage) error, recovered chan struct{}) {
	for attempt := 1; attempt <= resumeRetryBudget; attempt++ {
		a.logger.Info().Int("attempt", attempt).Msg("attempting session resume")
		if err := a.restartICE(pc, send); err != nil {
			a.logger.Warn().Err(err).Int("attempt", attempt).Msg("resume attempt failed")
		}

		select {
		case <-recovered:
			return
		case <-time.After(a.resumeWait):
		}

		a.mu.Lock()
		stop := a.closing || !a.reconnecting
		a.mu.Unlock()
		if stop {
			return
		}
	}

	a.mu.Lock()
	if a.closing || !a.reconnecting {
		a.mu.Unlock()
		return
	}
	a.reconnecting = false
	a.recovered = nil
	a.mu.Unlock()

	a.emit(transport.ConnectionStateChanged{
		State: transport.ConnStateFailed,
		Err:   fmt.Errorf("room: resume failed after %d attempts", resumeRetryBudget),
	})
}

func (a *Adapter) restartICE(pc *webrtc.PeerConnection, send func(signalMessage) error) error {
	if send == nil {
		return fmt.Errorf("room: no signaling channel for resume")
	}
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("room: create restart offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("room: set restart description: %w", err)
	}
	return send(signalMessage{Type: signalOffer, SDP: pc.LocalDescription()})
}

// Connect performs the offer/answer handshake over the signaling websocket.
func (a *Adapter) Connect(ctx context.Context, creds transport.Credentials) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	if err := a.ensurePeerLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	pc := a.pc
	a.identity = creds.Identity
	a.mu.Unlock()

	a.emit(transport.ConnectionStateChanged{State: transport.ConnStateConnecting})

	signal, err := dialSignal(ctx, creds.URL, creds.Token, a.logger)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		if err := signal.send(signalMessage{Type: signalCandidate, Candidate: &ci}); err != nil {
			a.logger.Warn().Err(err).Msg("candidate send failed")
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		signal.close()
		return fmt.Errorf("room: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		signal.close()
		return fmt.Errorf("room: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		signal.close()
		return ctx.Err()
	}

	if err := signal.send(signalMessage{Type: signalOffer, SDP: pc.LocalDescription()}); err != nil {
		signal.close()
		return err
	}
	if err := signal.awaitAnswer(ctx, pc); err != nil {
		signal.close()
		return err
	}

	a.mu.Lock()
	a.signal = signal
	a.sendSignal = signal.send
	a.connected = true
	a.closing = false
	a.mu.Unlock()

	go a.readSignal(signal)

	a.emit(transport.ConnectionStateChanged{State: transport.ConnStateConnected})
	return nil
}

// readSignal pumps post-handshake signaling frames into the event stream.
func (a *Adapter) readSignal(signal *signalClient) {
	for {
		msg, err := signal.read()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.connected = false
			a.mu.Unlock()
			if !closing {
				a.emit(transport.ConnectionStateChanged{
					State: transport.ConnStateDisconnected,
					Err:   err,
				})
			}
			return
		}
		switch msg.Type {
		case signalCandidate:
			if msg.Candidate == nil {
				continue
			}
			a.mu.Lock()
			pc := a.pc
			a.mu.Unlock()
			if pc != nil {
				if err := pc.AddICECandidate(*msg.Candidate); err != nil {
					a.logger.Warn().Err(err).Msg("remote candidate rejected")
				}
			}
		case signalAnswer:
			// Answer to an ICE-restart offer sent by the resume loop.
			a.mu.Lock()
			pc := a.pc
			a.mu.Unlock()
			if pc != nil && msg.SDP != nil {
				if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
					a.logger.Warn().Err(err).Msg("restart answer rejected")
				}
			}
		case signalParticipantJoin:
			a.emit(transport.ParticipantJoined{Participant: transport.Participant{
				Identity: msg.Identity,
				Name:     msg.Name,
				IsAgent:  msg.IsAgent,
			}})
		case signalParticipantLeft:
			a.emit(transport.ParticipantLeft{Participant: transport.Participant{
				Identity: msg.Identity,
				Name:     msg.Name,
				IsAgent:  msg.IsAgent,
			}})
		case signalQuality:
			a.emit(transport.QualityChanged{
				Quality:       msg.Quality,
				LatencyMillis: msg.LatencyMs,
			})
		default:
			a.logger.Debug().Str("type", msg.Type).Msg("ignoring signal frame")
		}
	}
}

func (a *Adapter) onDataMessage(msg webrtc.DataChannelMessage) {
	var env dataEnvelope
	if err := sonic.Unmarshal(msg.Data, &env); err != nil {
		a.logger.Warn().Err(err).Msg("malformed data envelope")
		return
	}
	a.emit(transport.DataReceived{
		Topic:   env.Topic,
		Payload: env.Payload,
		From:    env.From,
	})
}

// Disconnect tears the session down and closes the event stream.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	wasConnected := a.connected
	a.connected = false
	a.reconnecting = false
	signal := a.signal
	pc := a.pc
	a.signal = nil
	a.sendSignal = nil
	a.pc = nil
	a.dc = nil
	a.pubs = make(map[string]*publication)
	a.mu.Unlock()

	if signal != nil {
		if err := signal.close(); err != nil {
			a.logger.Debug().Err(err).Msg("signal close")
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("peer connection close")
		}
	}

	if wasConnected {
		a.emit(transport.ConnectionStateChanged{State: transport.ConnStateDisconnected})
	}

	a.mu.Lock()
	a.eventsClosed = true
	a.mu.Unlock()
	close(a.events)
	return nil
}

// SendData publishes one message on the data channel under a topic.
func (a *Adapter) SendData(ctx context.Context, topic string, payload []byte) error {
	a.mu.Lock()
	dc := a.dc
	connected := a.connected
	identity := a.identity
	a.mu.Unlock()
	if !connected || dc == nil {
		return transport.ErrNotConnected
	}

	data, err := sonic.Marshal(dataEnvelope{
		Topic:   topic,
		Payload: payload,
		From:    identity,
	})
	if err != nil {
		return fmt.Errorf("room: marshal envelope: %w", err)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("room: send data: %w", err)
	}
	return nil
}

// PublishTrack publishes the capture source as a local sample track.
func (a *Adapter) PublishTrack(ctx context.Context, source transport.CaptureSource) (transport.Publication, error) {
	a.mu.Lock()
	pc := a.pc
	connected := a.connected
	a.mu.Unlock()
	if !connected || pc == nil {
		return nil, transport.ErrNotConnected
	}

	sid := "TR_" + uuid.NewString()
	pub, err := newPublication(pc, source, sid, a.logger)
	if err != nil {
		return nil, fmt.Errorf("room: publish %s track: %w", source.Kind(), err)
	}

	a.mu.Lock()
	a.pubs[sid] = pub
	a.mu.Unlock()

	a.emit(transport.TrackPublished{Kind: pub.Kind(), SID: sid})
	return pub, nil
}

// UnpublishTrack removes a publication, optionally releasing the device.
func (a *Adapter) UnpublishTrack(ctx context.Context, pub transport.Publication, stopOnUnpublish bool) error {
	a.mu.Lock()
	p, ok := a.pubs[pub.SID()]
	if ok {
		delete(a.pubs, pub.SID())
	}
	pc := a.pc
	a.mu.Unlock()
	if !ok {
		return transport.ErrTrackNotFound
	}

	if pc != nil {
		if err := pc.RemoveTrack(p.sender); err != nil {
			a.logger.Warn().Err(err).Str("sid", p.sid).Msg("remove track")
		}
	}
	if stopOnUnpublish {
		if err := p.source.Stop(); err != nil {
			return fmt.Errorf("room: release %s device: %w", p.kind, err)
		}
	}
	return nil
}

// ActiveTrackCount reports publications whose capture device is still engaged.
func (a *Adapter) ActiveTrackCount(kind eventbus.TrackKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, p := range a.pubs {
		if p.kind == kind && p.Active() {
			count++
		}
	}
	return count
}

// emit delivers an event without ever blocking the callbacks that produce it.
// Events arriving after shutdown are discarded.
func (a *Adapter) emit(ev transport.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eventsClosed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn().Msg("transport event buffer full, dropping")
	}
}
