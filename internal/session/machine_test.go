package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/rpc"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tracks"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/internal/transport"
	"github.com/parley-ai/parley/internal/wire"
)

type harness struct {
	bus     *eventbus.Bus
	adapter *transport.FakeAdapter
	mic     *transport.FakeSource
	cam     *transport.FakeSource
	machine *session.Machine
}

func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	bus := eventbus.New()
	adapter := transport.NewFakeAdapter()
	mic := transport.NewFakeSource(eventbus.TrackAudio)
	cam := transport.NewFakeSource(eventbus.TrackVideo)

	opener := tracks.DeviceOpenerFunc(func(ctx context.Context, kind eventbus.TrackKind) (transport.CaptureSource, error) {
		if kind == eventbus.TrackAudio {
			return mic, nil
		}
		return cam, nil
	})
	trackMgr := tracks.New(adapter, opener, bus, tracks.WithSettleDelay(0))
	reconciler := transcript.New(bus, transcript.WithProgressiveReveal(true))
	router := rpc.New(adapter, bus)

	tokens := session.TokenProviderFunc(func(ctx context.Context) (transport.Credentials, error) {
		return transport.Credentials{URL: "wss://example.test", Token: "tok", Room: "r", Identity: "user"}, nil
	})

	opts = append([]session.Option{session.WithBackoffBase(time.Millisecond)}, opts...)
	return &harness{
		bus:     bus,
		adapter: adapter,
		mic:     mic,
		cam:     cam,
		machine: session.New(adapter, tokens, trackMgr, reconciler, router, bus, opts...),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.machine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func transcriptData(t *testing.T, frame wire.TranscriptFrame) transport.DataReceived {
	t.Helper()
	data, err := wire.EncodeTranscript(frame)
	if err != nil {
		t.Fatalf("encode transcript: %v", err)
	}
	return transport.DataReceived{Topic: wire.TopicTranscript, Payload: data}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.adapter.ConnectErrs = []error{errors.New("dns"), errors.New("timeout"), nil}

	notices := eventbus.SubscribeTo(h.bus, eventbus.UI.Notice)
	defer notices.Close()

	h.start(t)
	defer h.machine.Disconnect(context.Background())

	if h.adapter.ConnectCalls != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", h.adapter.ConnectCalls)
	}
	if got := h.machine.State(); got != eventbus.StateConnected {
		t.Fatalf("unexpected state %q", got)
	}

	select {
	case env := <-notices.C():
		if env.Payload.Level != eventbus.NoticeSuccess {
			t.Fatalf("expected welcome notice, got %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no welcome notice on first connect")
	}
}

func TestConnectRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, session.WithMaxConnectAttempts(2))
	h.adapter.ConnectErrs = []error{errors.New("down"), errors.New("down")}

	err := h.machine.Start(context.Background())
	if !errors.Is(err, session.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if h.adapter.ConnectCalls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", h.adapter.ConnectCalls)
	}
	if got := h.machine.State(); got != eventbus.StateError {
		t.Fatalf("unexpected state %q", got)
	}
}

func TestStartVoiceIsAtomic(t *testing.T) {
	h := newHarness(t)
	h.adapter.PublishErr = errors.New("sfu rejected")
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	ctx := context.Background()
	if err := h.machine.StartVoice(ctx); err == nil {
		t.Fatal("expected voice start to fail")
	}
	if h.machine.VoiceActive() {
		t.Fatal("voice mode must not be entered partially")
	}

	h.adapter.PublishErr = nil
	if err := h.machine.StartVoice(ctx); err != nil {
		t.Fatalf("voice start: %v", err)
	}
	if !h.machine.VoiceActive() {
		t.Fatal("voice mode not engaged")
	}
}

func TestStartVoiceTwiceIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	ctx := context.Background()
	if err := h.machine.StartVoice(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := h.machine.StartVoice(ctx); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	if got := len(h.adapter.Publications()); got != 1 {
		t.Fatalf("expected one publication, got %d", got)
	}
}

func TestStopVoiceReleasesMicrophone(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	ctx := context.Background()
	if err := h.machine.StartVoice(ctx); err != nil {
		t.Fatalf("start voice: %v", err)
	}
	if err := h.machine.StopVoice(ctx); err != nil {
		t.Fatalf("stop voice: %v", err)
	}
	if h.mic.Active() {
		t.Fatal("microphone still engaged after leaving voice mode")
	}
	if got := h.adapter.ActiveTrackCount(eventbus.TrackAudio); got != 0 {
		t.Fatalf("%d active mic tracks after cleanup", got)
	}
	// Stopping again must be a harmless no-op.
	if err := h.machine.StopVoice(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestToggleMicOutsideVoiceModeFails(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	if err := h.machine.ToggleMic(context.Background()); err == nil {
		t.Fatal("expected mic toggle outside voice mode to fail")
	}
}

func TestToggleMicMutesWithoutReleasing(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	ctx := context.Background()
	if err := h.machine.StartVoice(ctx); err != nil {
		t.Fatalf("start voice: %v", err)
	}
	if err := h.machine.ToggleMic(ctx); err != nil {
		t.Fatalf("toggle mic: %v", err)
	}
	if h.mic.Enabled() {
		t.Fatal("mic still producing frames after mute")
	}
	if !h.mic.Active() {
		t.Fatal("mute must not release the device")
	}
}

func TestTranscriptDataFlowsToChat(t *testing.T) {
	h := newHarness(t)
	added := eventbus.SubscribeTo(h.bus, eventbus.Chat.Added)
	defer added.Close()

	h.start(t)
	defer h.machine.Disconnect(context.Background())

	h.adapter.Emit(transcriptData(t, wire.TranscriptFrame{
		Speaker:     "agent",
		Text:        "Hola",
		UtteranceID: "u1",
	}))

	select {
	case env := <-added.C():
		if env.Payload.Text != "Hola" || !env.Payload.Streaming {
			t.Fatalf("unexpected chat message: %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("transcript never reached the chat stream")
	}
}

func TestRPCDataRoutedToRouter(t *testing.T) {
	h := newHarness(t)
	typing := eventbus.SubscribeTo(h.bus, eventbus.Chat.Typing)
	defer typing.Close()

	h.start(t)
	defer h.machine.Disconnect(context.Background())

	frame, err := wire.EncodeRPC(wire.RPCFrame{
		Type:    wire.FrameRequest,
		ID:      "r1",
		Method:  "show_typing",
		Payload: []byte(`{"active":true}`),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h.adapter.Emit(transport.DataReceived{Topic: wire.TopicRPC, Payload: frame})

	select {
	case env := <-typing.C():
		if !env.Payload.Active {
			t.Fatalf("unexpected typing event: %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("rpc command never dispatched")
	}
}

func TestSendChatMirrorsLocally(t *testing.T) {
	h := newHarness(t)
	added := eventbus.SubscribeTo(h.bus, eventbus.Chat.Added)
	defer added.Close()

	h.start(t)
	defer h.machine.Disconnect(context.Background())

	if err := h.machine.SendChat(context.Background(), "buenas"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	sent := h.adapter.Sent()
	if len(sent) != 1 || sent[0].Topic != wire.TopicChat {
		t.Fatalf("unexpected sends: %+v", sent)
	}

	select {
	case env := <-added.C():
		if env.Payload.Speaker != eventbus.SpeakerUser || env.Payload.Text != "buenas" {
			t.Fatalf("unexpected local echo: %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("user message never echoed locally")
	}
}

func TestReplayResolvesWhileLoopRuns(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	result := make(chan error, 1)
	go func() { result <- h.machine.ReplayLastAudio(context.Background()) }()

	// Wait for the outbound request to hit the wire, then answer it the way
	// the agent would: through the transport event stream the loop drains.
	var req wire.RPCFrame
	deadline := time.Now().Add(time.Second)
	for {
		if sent := h.adapter.Sent(); len(sent) > 0 {
			frame, err := wire.DecodeRPC(sent[len(sent)-1].Payload)
			if err != nil {
				t.Fatalf("decode request: %v", err)
			}
			req = frame
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replay request never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if req.Method != "replay_last_audio" {
		t.Fatalf("unexpected method %q", req.Method)
	}

	resp, err := wire.EncodeRPC(wire.RPCFrame{
		Type:   wire.FrameResponse,
		ID:     req.ID,
		Status: wire.StatusSuccess,
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	h.adapter.Emit(transport.DataReceived{Topic: wire.TopicRPC, Payload: resp})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replay never resolved while the event loop was running")
	}
}

func TestAudioUnlockAllowsPlaybackOnce(t *testing.T) {
	h := newHarness(t)
	playback := eventbus.SubscribeTo(h.bus, eventbus.Media.Playback)
	defer playback.Close()

	h.start(t)
	defer h.machine.Disconnect(context.Background())

	ctx := context.Background()
	if err := h.machine.AudioUnlock(ctx); err != nil {
		t.Fatalf("audio unlock: %v", err)
	}

	select {
	case env := <-playback.C():
		if !env.Payload.Allowed {
			t.Fatalf("expected playback allowed, got %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("unlock never reached the playback topic")
	}

	// Later unlocks are no-ops; playback state must not be re-announced.
	if err := h.machine.AudioUnlock(ctx); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
	select {
	case env := <-playback.C():
		t.Fatalf("unexpected playback event %+v", env.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConversationModeChangeIsPublished(t *testing.T) {
	h := newHarness(t)
	states := eventbus.SubscribeTo(h.bus, eventbus.Session.State)
	defer states.Close()

	h.start(t)
	defer h.machine.Disconnect(context.Background())

	if err := h.machine.SetConversationMode(context.Background(), eventbus.ConversationSeparated); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case env := <-states.C():
			if env.Payload.ConversationMode == eventbus.ConversationSeparated {
				return
			}
		case <-deadline:
			t.Fatal("separated mode never published")
		}
	}
}

func TestConversationModeRejectsUnknown(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	if err := h.machine.SetConversationMode(context.Background(), "picture_in_picture"); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestDisconnectReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	ctx := context.Background()
	if err := h.machine.StartVoice(ctx); err != nil {
		t.Fatalf("start voice: %v", err)
	}
	if err := h.machine.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case <-h.machine.Done():
	case <-time.After(time.Second):
		t.Fatal("event loop never stopped")
	}
	if h.mic.Active() {
		t.Fatal("microphone still engaged after disconnect")
	}
	if got := h.machine.State(); got != eventbus.StateDisconnected {
		t.Fatalf("unexpected state %q", got)
	}
	// A second disconnect after shutdown is a no-op.
	if err := h.machine.Disconnect(ctx); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestUnexpectedDisconnectFlushesTranscript(t *testing.T) {
	h := newHarness(t)
	finalized := eventbus.SubscribeTo(h.bus, eventbus.Chat.Finalized)
	defer finalized.Close()

	h.start(t)

	h.adapter.Emit(transcriptData(t, wire.TranscriptFrame{
		Speaker:     "agent",
		Text:        "cut off mid",
		UtteranceID: "u1",
	}))
	h.adapter.Emit(transport.ConnectionStateChanged{
		State: transport.ConnStateDisconnected,
		Err:   errors.New("network went away"),
	})

	select {
	case env := <-finalized.C():
		if env.Payload.Text != "cut off mid" {
			t.Fatalf("unexpected finalized text %q", env.Payload.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("open message never finalized on disconnect")
	}

	waitForState(t, h.machine, eventbus.StateError)
}

func TestReconnectCycle(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	defer h.machine.Disconnect(context.Background())

	h.adapter.Emit(transport.ConnectionStateChanged{State: transport.ConnStateReconnecting})
	waitForState(t, h.machine, eventbus.StateReconnecting)

	h.adapter.Emit(transport.ConnectionStateChanged{State: transport.ConnStateConnected})
	waitForState(t, h.machine, eventbus.StateConnected)
}

func waitForState(t *testing.T, m *session.Machine, want eventbus.SessionState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %q, still %q", want, m.State())
}
