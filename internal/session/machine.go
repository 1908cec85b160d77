// Package session hosts the conversation session state machine. A single
// event loop owns all state transitions: transport events and user intents
// are serialized onto it, so no transition ever races another.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/rpc"
	"github.com/parley-ai/parley/internal/tracks"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/internal/transport"
	"github.com/parley-ai/parley/internal/wire"
)

var (
	// ErrNotRunning is returned for intents issued before Start or after stop.
	ErrNotRunning = errors.New("session: not running")
	// ErrConnectFailed is returned when the bounded connect retry budget is
	// exhausted.
	ErrConnectFailed = errors.New("session: connect failed")
)

const (
	defaultMaxConnectAttempts = 3
	defaultBackoffBase        = 500 * time.Millisecond
	intentQueueSize           = 16
)

// TokenProvider yields connection credentials for a new session.
type TokenProvider interface {
	Fetch(ctx context.Context) (transport.Credentials, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) (transport.Credentials, error)

// Fetch implements TokenProvider.
func (f TokenProviderFunc) Fetch(ctx context.Context) (transport.Credentials, error) {
	return f(ctx)
}

// Option configures the Machine.
type Option func(*Machine)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMaxConnectAttempts bounds the initial connect retry budget.
func WithMaxConnectAttempts(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay; each retry doubles it.
func WithBackoffBase(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.backoffBase = d
		}
	}
}

type intentKind int

const (
	intentStartVoice intentKind = iota
	intentStopVoice
	intentToggleMic
	intentStartVideo
	intentStopVideo
	intentSendChat
	intentReplay
	intentToggleOutput
	intentAudioUnlock
	intentSetConvMode
	intentDisconnect
)

type intent struct {
	kind  intentKind
	text  string
	reply chan error
}

// Machine drives the session lifecycle: token fetch, connect with bounded
// retries, the connected steady state, and teardown. It owns the voice/video
// mode flags; the track manager owns the underlying publications.
type Machine struct {
	adapter     transport.Adapter
	tokens      TokenProvider
	tracks      *tracks.Manager
	transcripts *transcript.Reconciler
	router      *rpc.Router
	bus         *eventbus.Bus
	logger      zerolog.Logger

	maxAttempts int
	backoffBase time.Duration

	intents chan intent
	done    chan struct{}

	mu            sync.Mutex
	running       bool
	state         eventbus.SessionState
	convMode      eventbus.ConversationMode
	voiceActive   bool
	videoActive   bool
	micEnabled    bool
	outputMuted   bool
	audioUnlocked bool
	everConnected bool
}

// New constructs a machine. Call Start to run it.
func New(
	adapter transport.Adapter,
	tokens TokenProvider,
	trackMgr *tracks.Manager,
	transcripts *transcript.Reconciler,
	router *rpc.Router,
	bus *eventbus.Bus,
	opts ...Option,
) *Machine {
	m := &Machine{
		adapter:     adapter,
		tokens:      tokens,
		tracks:      trackMgr,
		transcripts: transcripts,
		router:      router,
		bus:         bus,
		logger:      zerolog.Nop(),
		maxAttempts: defaultMaxConnectAttempts,
		backoffBase: defaultBackoffBase,
		intents:     make(chan intent, intentQueueSize),
		done:        make(chan struct{}),
		state:       eventbus.StateInitializing,
		convMode:    eventbus.ConversationUnified,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current session state.
func (m *Machine) State() eventbus.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// VoiceActive reports whether voice mode is engaged.
func (m *Machine) VoiceActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voiceActive
}

// Done is closed when the event loop has exited.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Start connects the session and runs the event loop until Disconnect or the
// context is cancelled. It returns once the connection is established or the
// retry budget is exhausted; the event loop continues in the background.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("session: already started")
	}
	m.running = true
	m.mu.Unlock()

	m.setState(ctx, eventbus.StateInitializing, "")

	creds, err := m.tokens.Fetch(ctx)
	if err != nil {
		m.fail(ctx, fmt.Sprintf("credentials unavailable: %v", err))
		close(m.done)
		return fmt.Errorf("session: fetch credentials: %w", err)
	}

	// Prewarm is best-effort: a failure costs latency, not the session.
	if err := m.adapter.Prewarm(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("transport prewarm failed")
	}

	if err := m.connectWithRetry(ctx, creds); err != nil {
		m.fail(ctx, "could not reach the conversation service")
		close(m.done)
		return err
	}

	m.markConnected(ctx)
	go m.run(ctx)
	return nil
}

func (m *Machine) connectWithRetry(ctx context.Context, creds transport.Credentials) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		m.setStateAttempt(ctx, eventbus.StateConnecting, attempt, "")
		lastErr = m.adapter.Connect(ctx, creds)
		if lastErr == nil {
			return nil
		}
		m.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("connect attempt failed")
		if attempt == m.maxAttempts {
			break
		}
		delay := m.backoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrConnectFailed, m.maxAttempts, lastErr)
}

func (m *Machine) markConnected(ctx context.Context) {
	m.mu.Lock()
	first := !m.everConnected
	m.everConnected = true
	m.mu.Unlock()

	m.setState(ctx, eventbus.StateConnected, "")
	eventbus.Publish(ctx, m.bus, eventbus.Session.Status, eventbus.SourceSessionMachine, eventbus.StatusEvent{
		Text: "Connected",
		Kind: eventbus.StatusInfo,
	})
	if first {
		eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceSessionMachine, eventbus.NoticeEvent{
			Text:  "Connected. Say hello or start typing.",
			Level: eventbus.NoticeSuccess,
		})
	}
}

// run is the single event loop. Transport events and user intents are
// interleaved here in arrival order.
func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	events := m.adapter.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				m.finishDisconnect(ctx)
				return
			}
			m.handleTransportEvent(ctx, ev)
		case in := <-m.intents:
			stop := m.handleIntent(ctx, in)
			if stop {
				return
			}
		case <-ctx.Done():
			m.teardown(context.WithoutCancel(ctx))
			return
		}
	}
}

func (m *Machine) handleTransportEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnectionStateChanged:
		m.handleConnectionChange(ctx, e)
	case transport.DataReceived:
		m.handleData(ctx, e)
	case transport.ParticipantJoined:
		if e.Participant.IsAgent {
			m.logger.Info().Str("identity", e.Participant.Identity).Msg("agent joined")
			eventbus.Publish(ctx, m.bus, eventbus.Session.Status, eventbus.SourceSessionMachine, eventbus.StatusEvent{
				Text: "Listening",
				Kind: eventbus.StatusListening,
			})
		}
	case transport.ParticipantLeft:
		if e.Participant.IsAgent {
			m.logger.Warn().Str("identity", e.Participant.Identity).Msg("agent left the room")
			eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceSessionMachine, eventbus.NoticeEvent{
				Text:  "The agent left the conversation",
				Level: eventbus.NoticeWarning,
			})
		}
	case transport.PlaybackChanged:
		eventbus.Publish(ctx, m.bus, eventbus.Media.Playback, eventbus.SourceSessionMachine, eventbus.PlaybackEvent{
			Allowed: e.Allowed,
		})
	case transport.QualityChanged:
		eventbus.Publish(ctx, m.bus, eventbus.Net.Quality, eventbus.SourceSessionMachine, eventbus.QualityEvent{
			Quality:       e.Quality,
			LatencyMillis: e.LatencyMillis,
		})
	case transport.TrackSubscribed:
		m.logger.Debug().Str("sid", e.SID).Str("kind", string(e.Kind)).Msg("remote track subscribed")
	case transport.TrackUnsubscribed:
		m.logger.Debug().Str("sid", e.SID).Msg("remote track unsubscribed")
	case transport.TrackPublished:
		m.logger.Debug().Str("sid", e.SID).Str("kind", string(e.Kind)).Msg("local track published")
	}
}

func (m *Machine) handleConnectionChange(ctx context.Context, e transport.ConnectionStateChanged) {
	switch e.State {
	case transport.ConnStateReconnecting:
		m.setState(ctx, eventbus.StateReconnecting, "connection interrupted")
		eventbus.Publish(ctx, m.bus, eventbus.Session.Status, eventbus.SourceSessionMachine, eventbus.StatusEvent{
			Text: "Reconnecting…",
			Kind: eventbus.StatusWarning,
		})
	case transport.ConnStateConnected:
		if m.State() == eventbus.StateReconnecting {
			m.markConnected(ctx)
		}
	case transport.ConnStateDisconnected:
		if m.State() == eventbus.StateDisconnecting {
			return // teardown already in flight
		}
		m.transcripts.Flush(ctx)
		if e.Err != nil {
			m.fail(ctx, "connection lost")
			return
		}
		m.setState(ctx, eventbus.StateDisconnected, "")
	case transport.ConnStateFailed:
		m.transcripts.Flush(ctx)
		m.fail(ctx, "connection failed")
	}
}

func (m *Machine) handleData(ctx context.Context, e transport.DataReceived) {
	switch e.Topic {
	case wire.TopicRPC:
		m.router.HandleFrame(ctx, e.Payload)
	case wire.TopicTranscript:
		frame, err := wire.DecodeTranscript(e.Payload)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed transcript frame")
			return
		}
		m.transcripts.Ingest(ctx, transcript.Segment{
			Speaker:     eventbus.Speaker(frame.Speaker),
			Text:        frame.Text,
			Final:       frame.Final,
			UtteranceID: frame.UtteranceID,
		})
	default:
		m.logger.Debug().Str("topic", e.Topic).Msg("ignoring data on unknown topic")
	}
}

func (m *Machine) handleIntent(ctx context.Context, in intent) (stop bool) {
	var err error
	switch in.kind {
	case intentStartVoice:
		err = m.startVoice(ctx)
	case intentStopVoice:
		err = m.stopVoice(ctx)
	case intentToggleMic:
		err = m.toggleMic(ctx)
	case intentStartVideo:
		err = m.startVideo(ctx)
	case intentStopVideo:
		err = m.stopVideo(ctx)
	case intentSendChat:
		err = m.sendChat(ctx, in.text)
	case intentReplay:
		// The agent's response frame arrives through this same loop, so the
		// call must not run on it. Resolve the intent from a helper goroutine
		// and keep the loop free to deliver the response.
		go func(reply chan error) {
			callErr := m.router.ReplayLastAudio(ctx)
			if reply != nil {
				reply <- callErr
			}
		}(in.reply)
		return false
	case intentToggleOutput:
		m.toggleOutput(ctx)
	case intentAudioUnlock:
		m.audioUnlock(ctx)
	case intentSetConvMode:
		err = m.setConversationMode(ctx, eventbus.ConversationMode(in.text))
	case intentDisconnect:
		m.teardown(ctx)
		stop = true
	}
	if in.reply != nil {
		in.reply <- err
	}
	return stop
}

// startVoice enters voice mode atomically: either the microphone publishes
// and the mode flips, or nothing changes. Starting voice while already in
// voice mode is a no-op.
func (m *Machine) startVoice(ctx context.Context) error {
	m.mu.Lock()
	if m.voiceActive {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.tracks.Publish(ctx, eventbus.TrackAudio); err != nil {
		eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceSessionMachine, eventbus.NoticeEvent{
			Text:  "Could not access the microphone",
			Level: eventbus.NoticeError,
		})
		return err
	}

	m.mu.Lock()
	m.voiceActive = true
	m.micEnabled = true
	m.mu.Unlock()

	eventbus.Publish(ctx, m.bus, eventbus.UI.VisualMode, eventbus.SourceSessionMachine, eventbus.VisualModeEvent{Mode: eventbus.ModeVoice})
	m.publishState(ctx, 0, "")
	return nil
}

func (m *Machine) stopVoice(ctx context.Context) error {
	m.mu.Lock()
	wasActive := m.voiceActive
	m.voiceActive = false
	m.micEnabled = false
	m.mu.Unlock()
	if !wasActive {
		return nil
	}

	err := m.tracks.Release(ctx, eventbus.TrackAudio)
	eventbus.Publish(ctx, m.bus, eventbus.UI.VisualMode, eventbus.SourceSessionMachine, eventbus.VisualModeEvent{Mode: eventbus.ModeChat})
	m.publishState(ctx, 0, "")
	return err
}

func (m *Machine) toggleMic(ctx context.Context) error {
	m.mu.Lock()
	if !m.voiceActive {
		m.mu.Unlock()
		return errors.New("session: microphone toggle outside voice mode")
	}
	target := !m.micEnabled
	m.mu.Unlock()

	if err := m.tracks.SetEnabled(ctx, eventbus.TrackAudio, target); err != nil {
		return err
	}

	m.mu.Lock()
	m.micEnabled = target
	m.mu.Unlock()
	m.publishState(ctx, 0, "")
	return nil
}

func (m *Machine) startVideo(ctx context.Context) error {
	m.mu.Lock()
	if m.videoActive {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.tracks.Publish(ctx, eventbus.TrackVideo); err != nil {
		eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceSessionMachine, eventbus.NoticeEvent{
			Text:  "Could not access the camera",
			Level: eventbus.NoticeError,
		})
		return err
	}

	m.mu.Lock()
	m.videoActive = true
	m.mu.Unlock()

	eventbus.Publish(ctx, m.bus, eventbus.UI.VisualMode, eventbus.SourceSessionMachine, eventbus.VisualModeEvent{Mode: eventbus.ModeVideo})
	m.publishState(ctx, 0, "")
	return nil
}

func (m *Machine) stopVideo(ctx context.Context) error {
	m.mu.Lock()
	wasActive := m.videoActive
	m.videoActive = false
	voiceStillOn := m.voiceActive
	m.mu.Unlock()
	if !wasActive {
		return nil
	}

	err := m.tracks.Release(ctx, eventbus.TrackVideo)
	mode := eventbus.ModeChat
	if voiceStillOn {
		mode = eventbus.ModeVoice
	}
	eventbus.Publish(ctx, m.bus, eventbus.UI.VisualMode, eventbus.SourceSessionMachine, eventbus.VisualModeEvent{Mode: mode})
	m.publishState(ctx, 0, "")
	return err
}

// toggleOutput flips local speaker muting. The transport keeps receiving
// audio; only playback is suppressed, so unmuting is instant.
func (m *Machine) toggleOutput(ctx context.Context) {
	m.mu.Lock()
	m.outputMuted = !m.outputMuted
	muted := m.outputMuted
	m.mu.Unlock()
	eventbus.Publish(ctx, m.bus, eventbus.Media.Playback, eventbus.SourceSessionMachine, eventbus.PlaybackEvent{
		Allowed: !muted,
	})
}

// audioUnlock records the first user interaction that permits audio playback.
// Some platforms block autoplay until an interaction arrives, so playback
// stays pending until the presentation layer reports one.
func (m *Machine) audioUnlock(ctx context.Context) {
	m.mu.Lock()
	if m.audioUnlocked {
		m.mu.Unlock()
		return
	}
	m.audioUnlocked = true
	muted := m.outputMuted
	m.mu.Unlock()
	eventbus.Publish(ctx, m.bus, eventbus.Media.Playback, eventbus.SourceSessionMachine, eventbus.PlaybackEvent{
		Allowed: !muted,
	})
}

func (m *Machine) setConversationMode(ctx context.Context, mode eventbus.ConversationMode) error {
	switch mode {
	case eventbus.ConversationUnified, eventbus.ConversationSeparated:
	default:
		return fmt.Errorf("session: unknown conversation mode %q", mode)
	}
	m.mu.Lock()
	changed := m.convMode != mode
	m.convMode = mode
	m.mu.Unlock()
	if changed {
		m.publishState(ctx, 0, "")
	}
	return nil
}

// sendChat delivers typed text to the agent and mirrors it locally so the
// user sees their own message immediately.
func (m *Machine) sendChat(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	data, err := wire.EncodeChat(wire.ChatFrame{Text: text})
	if err != nil {
		return err
	}
	if err := m.adapter.SendData(ctx, wire.TopicChat, data); err != nil {
		eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceSessionMachine, eventbus.NoticeEvent{
			Text:  "Message not delivered",
			Level: eventbus.NoticeError,
		})
		return fmt.Errorf("session: send chat: %w", err)
	}
	m.transcripts.Ingest(ctx, transcript.Segment{
		Speaker: eventbus.SpeakerUser,
		Text:    text,
		Final:   true,
	})
	return nil
}

// teardown is the user-initiated shutdown path: release every device through
// the full ladder before dropping the connection, then flush the transcript.
func (m *Machine) teardown(ctx context.Context) {
	m.setState(ctx, eventbus.StateDisconnecting, "")
	if err := m.tracks.ForceReleaseAll(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("device release during teardown")
	}
	if err := m.adapter.Disconnect(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("transport disconnect")
	}
	m.finishDisconnect(ctx)
}

func (m *Machine) finishDisconnect(ctx context.Context) {
	m.transcripts.Flush(ctx)
	m.mu.Lock()
	m.voiceActive = false
	m.videoActive = false
	m.micEnabled = false
	m.mu.Unlock()
	m.setState(ctx, eventbus.StateDisconnected, "")
}

func (m *Machine) fail(ctx context.Context, reason string) {
	m.setState(ctx, eventbus.StateError, reason)
	eventbus.Publish(ctx, m.bus, eventbus.UI.Notice, eventbus.SourceSessionMachine, eventbus.NoticeEvent{
		Text:  reason,
		Level: eventbus.NoticeError,
	})
}

func (m *Machine) setState(ctx context.Context, state eventbus.SessionState, reason string) {
	m.setStateAttempt(ctx, state, 0, reason)
}

func (m *Machine) setStateAttempt(ctx context.Context, state eventbus.SessionState, attempt int, reason string) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	m.mu.Unlock()
	if prev != state {
		m.logger.Info().
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("session state transition")
	}
	m.publishState(ctx, attempt, reason)
}

func (m *Machine) publishState(ctx context.Context, attempt int, reason string) {
	m.mu.Lock()
	ev := eventbus.SessionStateEvent{
		State:            m.state,
		Attempt:          attempt,
		Reason:           reason,
		ConversationMode: m.convMode,
		VoiceActive:      m.voiceActive,
		VideoActive:      m.videoActive,
		MicEnabled:       m.micEnabled,
	}
	m.mu.Unlock()
	eventbus.Publish(ctx, m.bus, eventbus.Session.State, eventbus.SourceSessionMachine, ev)
}

// ---------------------------------------------------------------------------
// Intent API
// ---------------------------------------------------------------------------
// Each method enqueues onto the event loop and waits for the result, so
// callers observe the same ordering the loop does.

func (m *Machine) submit(ctx context.Context, in intent) error {
	in.reply = make(chan error, 1)
	select {
	case m.intents <- in:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.reply:
		return err
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartVoice enters voice mode.
func (m *Machine) StartVoice(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentStartVoice})
}

// StopVoice leaves voice mode, releasing the microphone.
func (m *Machine) StopVoice(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentStopVoice})
}

// ToggleMic flips the microphone mute state within voice mode.
func (m *Machine) ToggleMic(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentToggleMic})
}

// StartVideo enters video mode.
func (m *Machine) StartVideo(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentStartVideo})
}

// StopVideo leaves video mode, releasing the camera.
func (m *Machine) StopVideo(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentStopVideo})
}

// SendChat sends typed text to the agent.
func (m *Machine) SendChat(ctx context.Context, text string) error {
	return m.submit(ctx, intent{kind: intentSendChat, text: text})
}

// ReplayLastAudio asks the agent to repeat its last spoken response.
func (m *Machine) ReplayLastAudio(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentReplay})
}

// ToggleOutput flips local speaker muting.
func (m *Machine) ToggleOutput(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentToggleOutput})
}

// AudioUnlock reports the first user interaction so audio playback may begin.
func (m *Machine) AudioUnlock(ctx context.Context) error {
	return m.submit(ctx, intent{kind: intentAudioUnlock})
}

// SetConversationMode switches between the unified and separated chat/voice
// presentation.
func (m *Machine) SetConversationMode(ctx context.Context, mode eventbus.ConversationMode) error {
	return m.submit(ctx, intent{kind: intentSetConvMode, text: string(mode)})
}

// Disconnect ends the session and stops the event loop.
func (m *Machine) Disconnect(ctx context.Context) error {
	err := m.submit(ctx, intent{kind: intentDisconnect})
	if errors.Is(err, ErrNotRunning) {
		return nil // already stopped
	}
	return err
}
