package transcript_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/transcript"
)

type chatRecorder struct {
	added     *eventbus.TypedSubscription[eventbus.MessageEvent]
	updated   *eventbus.TypedSubscription[eventbus.MessageEvent]
	finalized *eventbus.TypedSubscription[eventbus.MessageEvent]
}

func newChatRecorder(bus *eventbus.Bus) *chatRecorder {
	return &chatRecorder{
		added:     eventbus.SubscribeTo(bus, eventbus.Chat.Added),
		updated:   eventbus.SubscribeTo(bus, eventbus.Chat.Updated),
		finalized: eventbus.SubscribeTo(bus, eventbus.Chat.Finalized),
	}
}

func (c *chatRecorder) close() {
	c.added.Close()
	c.updated.Close()
	c.finalized.Close()
}

func recv(t *testing.T, sub *eventbus.TypedSubscription[eventbus.MessageEvent]) eventbus.MessageEvent {
	t.Helper()
	select {
	case env := <-sub.C():
		return env.Payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message event")
		return eventbus.MessageEvent{}
	}
}

func expectNone(t *testing.T, sub *eventbus.TypedSubscription[eventbus.MessageEvent]) {
	t.Helper()
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected message event: %+v", env.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}
}

func TestProgressiveRevealLifecycle(t *testing.T) {
	bus := eventbus.New()
	rec := newChatRecorder(bus)
	defer rec.close()

	r := transcript.New(bus,
		transcript.WithProgressiveReveal(true),
		transcript.WithIDFunc(sequentialIDs()),
	)

	ctx := context.Background()
	segments := []transcript.Segment{
		{Speaker: eventbus.SpeakerAgent, Text: "Hola", UtteranceID: "u1"},
		{Speaker: eventbus.SpeakerAgent, Text: "Hola, ¿cómo", UtteranceID: "u1"},
		{Speaker: eventbus.SpeakerAgent, Text: "Hola, ¿cómo estás?", Final: true, UtteranceID: "u1"},
	}
	for _, seg := range segments {
		r.Ingest(ctx, seg)
	}

	added := recv(t, rec.added)
	if !added.Streaming || added.Text != "Hola" {
		t.Fatalf("unexpected added event: %+v", added)
	}

	first := recv(t, rec.updated)
	second := recv(t, rec.updated)
	if first.Text != "Hola, ¿cómo" || second.Text != "Hola, ¿cómo estás?" {
		t.Fatalf("unexpected updates: %q, %q", first.Text, second.Text)
	}

	final := recv(t, rec.finalized)
	if final.Streaming {
		t.Fatal("finalized message still flagged streaming")
	}
	if final.Text != "Hola, ¿cómo estás?" {
		t.Fatalf("unexpected final text: %q", final.Text)
	}
	if final.ID != added.ID {
		t.Fatalf("final refers to message %q, added was %q", final.ID, added.ID)
	}
}

func TestExactlyOneFinalizedPerUtterance(t *testing.T) {
	for _, reveal := range []bool{true, false} {
		t.Run(fmt.Sprintf("reveal=%v", reveal), func(t *testing.T) {
			bus := eventbus.New()
			rec := newChatRecorder(bus)
			defer rec.close()

			r := transcript.New(bus,
				transcript.WithProgressiveReveal(reveal),
				transcript.WithIDFunc(sequentialIDs()),
			)

			ctx := context.Background()
			for i := 0; i < 4; i++ {
				r.Ingest(ctx, transcript.Segment{
					Speaker:     eventbus.SpeakerAgent,
					Text:        fmt.Sprintf("partial %d", i),
					UtteranceID: "u1",
				})
			}
			r.Ingest(ctx, transcript.Segment{
				Speaker:     eventbus.SpeakerAgent,
				Text:        "the final text",
				Final:       true,
				UtteranceID: "u1",
			})
			// Duplicate final for the same utterance must be dropped.
			r.Ingest(ctx, transcript.Segment{
				Speaker:     eventbus.SpeakerAgent,
				Text:        "stale duplicate",
				Final:       true,
				UtteranceID: "u1",
			})

			final := recv(t, rec.finalized)
			if final.Text != "the final text" {
				t.Fatalf("unexpected final text: %q", final.Text)
			}
			expectNone(t, rec.finalized)
		})
	}
}

func TestUserPartialsNeverRendered(t *testing.T) {
	bus := eventbus.New()
	rec := newChatRecorder(bus)
	defer rec.close()

	r := transcript.New(bus, transcript.WithProgressiveReveal(true))

	ctx := context.Background()
	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerUser, Text: "buenos"})
	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerUser, Text: "buenos días"})
	expectNone(t, rec.added)

	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerUser, Text: "buenos días", Final: true})
	added := recv(t, rec.added)
	if added.Streaming {
		t.Fatal("user messages must never stream")
	}
	final := recv(t, rec.finalized)
	if final.Text != "buenos días" {
		t.Fatalf("unexpected user text: %q", final.Text)
	}
}

func TestFinalOnlyModeDiscardsPartials(t *testing.T) {
	bus := eventbus.New()
	rec := newChatRecorder(bus)
	defer rec.close()

	r := transcript.New(bus, transcript.WithProgressiveReveal(false))

	ctx := context.Background()
	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerAgent, Text: "part", UtteranceID: "u1"})
	expectNone(t, rec.added)

	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerAgent, Text: "whole thing", Final: true, UtteranceID: "u1"})
	added := recv(t, rec.added)
	if added.Streaming || added.Text != "whole thing" {
		t.Fatalf("unexpected added event: %+v", added)
	}
	recv(t, rec.finalized)
	expectNone(t, rec.updated)
}

func TestNewUtteranceImplicitlyFinalizesOpenOne(t *testing.T) {
	bus := eventbus.New()
	rec := newChatRecorder(bus)
	defer rec.close()

	r := transcript.New(bus,
		transcript.WithProgressiveReveal(true),
		transcript.WithIDFunc(sequentialIDs()),
	)

	ctx := context.Background()
	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerAgent, Text: "first thought", UtteranceID: "u1"})
	firstAdded := recv(t, rec.added)

	// A second utterance starts before u1 ever saw a final.
	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerAgent, Text: "second thought", UtteranceID: "u2"})

	final := recv(t, rec.finalized)
	if final.ID != firstAdded.ID {
		t.Fatalf("expected implicit finalization of %q, got %q", firstAdded.ID, final.ID)
	}
	if final.Text != "first thought" {
		t.Fatalf("implicit finalization must keep last known text, got %q", final.Text)
	}

	secondAdded := recv(t, rec.added)
	if secondAdded.Text != "second thought" || !secondAdded.Streaming {
		t.Fatalf("unexpected second added event: %+v", secondAdded)
	}
}

func TestFlushFinalizesOpenMessages(t *testing.T) {
	bus := eventbus.New()
	rec := newChatRecorder(bus)
	defer rec.close()

	r := transcript.New(bus, transcript.WithProgressiveReveal(true))

	ctx := context.Background()
	r.Ingest(ctx, transcript.Segment{Speaker: eventbus.SpeakerAgent, Text: "cut off mid", UtteranceID: "u9"})
	recv(t, rec.added)

	r.Flush(ctx)
	final := recv(t, rec.finalized)
	if final.Text != "cut off mid" {
		t.Fatalf("flush must finalize with last known text, got %q", final.Text)
	}
}
