package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/history"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(history.Options{
		DBPath: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndListMessages(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	msgs := []history.Message{
		{ID: "m1", Speaker: eventbus.SpeakerUser, Text: "hola", CreatedAt: base},
		{ID: "m2", Speaker: eventbus.SpeakerAgent, Text: "buenas", CreatedAt: base.Add(time.Second)},
	}
	for _, msg := range msgs {
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := store.ListMessages(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("messages out of order: %+v", got)
	}
	if got[1].Speaker != eventbus.SpeakerAgent {
		t.Fatalf("speaker not preserved: %+v", got[1])
	}
}

func TestListHonoursLimitKeepingNewest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := store.SaveMessage(ctx, history.Message{
			ID:        string(rune('a' + i)),
			Speaker:   eventbus.SpeakerAgent,
			Text:      "x",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := store.ListMessages(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "e" {
		t.Fatalf("expected the two newest in order, got %+v", got)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetMessage(context.Background(), "missing")
	if !history.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	err := store.SaveMessage(ctx, history.Message{
		ID: "m1", Speaker: eventbus.SpeakerUser, Text: "hola", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := store.ListMessages(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %+v", got)
	}
}

func TestRecorderPersistsFinalizedAndHonoursClear(t *testing.T) {
	store := openStore(t)
	bus := eventbus.New()
	rec := history.NewRecorder(store, bus, zerolog.Nop())

	ctx := context.Background()
	rec.Start(ctx)

	eventbus.Publish(ctx, bus, eventbus.Chat.Finalized, eventbus.SourceTranscript, eventbus.MessageEvent{
		ID:        "m1",
		Speaker:   eventbus.SpeakerAgent,
		Text:      "guardado",
		CreatedAt: time.Now().UTC(),
	})

	waitFor(t, func() bool {
		msgs, err := store.ListMessages(ctx, 0)
		return err == nil && len(msgs) == 1
	}, "message never persisted")

	eventbus.Publish(ctx, bus, eventbus.Chat.Cleared, eventbus.SourceCommandRouter, eventbus.ChatClearedEvent{
		Reason: "agent_request",
	})

	waitFor(t, func() bool {
		msgs, err := store.ListMessages(ctx, 0)
		return err == nil && len(msgs) == 0
	}, "clear never reached the store")

	if err := rec.Stop(ctx); err != nil {
		t.Fatalf("stop recorder: %v", err)
	}
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
