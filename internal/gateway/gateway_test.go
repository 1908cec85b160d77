package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/gateway"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeControl) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeControl) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeControl) StartVoice(context.Context) error      { return f.record("start_voice") }
func (f *fakeControl) StopVoice(context.Context) error       { return f.record("stop_voice") }
func (f *fakeControl) ToggleMic(context.Context) error       { return f.record("toggle_mic") }
func (f *fakeControl) StartVideo(context.Context) error      { return f.record("start_video") }
func (f *fakeControl) StopVideo(context.Context) error       { return f.record("stop_video") }
func (f *fakeControl) ToggleOutput(context.Context) error    { return f.record("toggle_output") }
func (f *fakeControl) AudioUnlock(context.Context) error     { return f.record("audio_unlock") }
func (f *fakeControl) ReplayLastAudio(context.Context) error { return f.record("replay_audio") }
func (f *fakeControl) Disconnect(context.Context) error      { return f.record("disconnect") }

func (f *fakeControl) SendChat(_ context.Context, text string) error {
	return f.record("send_chat:" + text)
}

func (f *fakeControl) SetConversationMode(_ context.Context, mode eventbus.ConversationMode) error {
	return f.record("set_conversation_mode:" + string(mode))
}

func startGateway(t *testing.T, control gateway.SessionControl, bus *eventbus.Bus) *gateway.Server {
	t.Helper()
	srv := gateway.NewServer(control, bus, zerolog.Nop(), nil)
	ctx := context.Background()
	if err := srv.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(stopCtx)
	})
	return srv
}

func dial(t *testing.T, srv *gateway.Server) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return srv.ClientCount() == 1 }, "client never registered")
	return conn
}

func TestBusEventsReachClients(t *testing.T) {
	bus := eventbus.New()
	srv := startGateway(t, &fakeControl{}, bus)
	conn := dial(t, srv)

	eventbus.Publish(context.Background(), bus, eventbus.UI.Notice, eventbus.SourceApp, eventbus.NoticeEvent{
		Text:  "bienvenido",
		Level: eventbus.NoticeSuccess,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg gateway.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "notice" {
		t.Fatalf("unexpected message type %q", msg.Type)
	}
}

func TestIntentsReachSessionControl(t *testing.T) {
	bus := eventbus.New()
	control := &fakeControl{}
	srv := startGateway(t, control, bus)
	conn := dial(t, srv)

	frames := []string{
		`{"type":"send_chat","data":{"text":"hola"}}`,
		`{"type":"start_voice"}`,
		`{"type":"toggle_mic"}`,
		`{"type":"audio_unlock"}`,
		`{"type":"set_conversation_mode","data":{"mode":"separated"}}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, func() bool { return len(control.recorded()) == 5 }, "intents never dispatched")
	got := control.recorded()
	want := []string{"send_chat:hola", "start_voice", "toggle_mic", "audio_unlock", "set_conversation_mode:separated"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected intents %v", got)
		}
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	bus := eventbus.New()
	srv := startGateway(t, &fakeControl{}, bus)

	header := http.Header{"Origin": {"http://evil.example"}}
	url := fmt.Sprintf("ws://%s/ws", srv.Addr())
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected upgrade to be rejected")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	bus := eventbus.New()
	srv := startGateway(t, &fakeControl{}, bus)
	conn := dial(t, srv)

	conn.Close()
	waitFor(t, func() bool { return srv.ClientCount() == 0 }, "client never unregistered")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
