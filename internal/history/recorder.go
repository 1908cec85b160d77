package history

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
)

// Recorder subscribes to finalized chat messages and mirrors them into the
// store. Streaming partials never touch the database; only finalized text is
// durable. A clear event wipes persisted history as well, so a cleared chat
// never resurrects on restart.
type Recorder struct {
	store     *Store
	bus       *eventbus.Bus
	logger    zerolog.Logger
	lifecycle eventbus.ServiceLifecycle
}

// NewRecorder constructs a recorder bound to the store and bus.
func NewRecorder(store *Store, bus *eventbus.Bus, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, logger: logger}
}

// Start begins consuming chat events until Stop.
func (r *Recorder) Start(ctx context.Context) {
	r.lifecycle.Start(ctx)

	finalized := eventbus.SubscribeTo(r.bus, eventbus.Chat.Finalized)
	cleared := eventbus.SubscribeTo(r.bus, eventbus.Chat.Cleared)
	r.lifecycle.AddSubscriptions(finalized, cleared)

	r.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, finalized, nil, func(msg eventbus.MessageEvent) {
			err := r.store.SaveMessage(ctx, Message{
				ID:        msg.ID,
				Speaker:   msg.Speaker,
				Text:      msg.Text,
				CreatedAt: msg.CreatedAt,
			})
			if err != nil {
				r.logger.Warn().Err(err).Str("id", msg.ID).Msg("history save failed")
			}
		})
	})
	r.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, cleared, nil, func(ev eventbus.ChatClearedEvent) {
			if err := r.store.Clear(ctx); err != nil {
				r.logger.Warn().Err(err).Str("reason", ev.Reason).Msg("history clear failed")
			}
		})
	})
}

// Stop shuts down the recorder and waits for in-flight writes.
func (r *Recorder) Stop(ctx context.Context) error {
	return r.lifecycle.Shutdown(ctx)
}
