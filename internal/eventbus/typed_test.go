package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
)

func TestTypedSubscribeFiltersMismatchedPayloads(t *testing.T) {
	bus := eventbus.New()
	sub := eventbus.Subscribe[eventbus.StatusEvent](bus, eventbus.TopicSessionStatus)
	defer sub.Close()

	ctx := context.Background()

	// Wrong payload type on the same topic: must be skipped by the bridge.
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicSessionStatus,
		Payload: eventbus.NoticeEvent{Text: "wrong type"},
	})
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicSessionStatus,
		Payload: eventbus.StatusEvent{Text: "listening", Kind: eventbus.StatusListening},
	})

	select {
	case env := <-sub.C():
		if env.Payload.Text != "listening" {
			t.Fatalf("expected filtered delivery, got %q", env.Payload.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}

func TestPublishWithDescriptor(t *testing.T) {
	bus := eventbus.New()
	sub := eventbus.SubscribeTo(bus, eventbus.Voice.Activity)
	defer sub.Close()

	eventbus.Publish(context.Background(), bus, eventbus.Voice.Activity, eventbus.SourceCommandRouter,
		eventbus.VoiceActivityEvent{Active: true, Level: 0.7})

	select {
	case env := <-sub.C():
		if !env.Payload.Active || env.Payload.Level != 0.7 {
			t.Fatalf("unexpected payload: %+v", env.Payload)
		}
		if env.Topic != eventbus.TopicVoiceActivity {
			t.Fatalf("unexpected topic: %q", env.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for descriptor publish")
	}
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	bus := eventbus.New()
	sub := eventbus.SubscribeTo(bus, eventbus.UI.Notice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	got := make(chan string, 1)
	go func() {
		defer close(done)
		eventbus.Consume(ctx, sub, nil, func(n eventbus.NoticeEvent) {
			select {
			case got <- n.Text:
			default:
			}
		})
	}()

	eventbus.Publish(context.Background(), bus, eventbus.UI.Notice, eventbus.SourceApp,
		eventbus.NoticeEvent{Text: "one"})

	select {
	case text := <-got:
		if text != "one" {
			t.Fatalf("unexpected notice text: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consumed notice")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume goroutine did not stop on cancel")
	}
	sub.Close()
}
