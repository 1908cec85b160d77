// Package transcript merges streamed partial/final transcript segments into
// stable chat messages.
package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
)

// finalizedMemory bounds how many finalized utterance IDs are remembered for
// duplicate suppression.
const finalizedMemory = 256

// Segment is one incoming unit of transcribed text. Segments for the same
// logical utterance arrive in strictly increasing completeness order: zero or
// more partials followed by exactly one final.
type Segment struct {
	Speaker     eventbus.Speaker
	Text        string
	Final       bool
	UtteranceID string // optional; empty IDs are correlated per speaker
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithProgressiveReveal toggles karaoke-style streaming of agent utterances.
// When disabled, agent partials are discarded and only finals become messages.
func WithProgressiveReveal(enabled bool) Option {
	return func(r *Reconciler) {
		r.reveal = enabled
	}
}

// WithIDFunc overrides message ID generation (tests).
func WithIDFunc(fn func() string) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.newID = fn
		}
	}
}

type openMessage struct {
	id          string
	utteranceID string
	text        string
	createdAt   time.Time
}

// Reconciler folds transcript segments into chat messages and publishes
// message lifecycle events on the bus. A message belongs to the reconciler
// until finalized; afterwards it is immutable.
type Reconciler struct {
	bus    *eventbus.Bus
	logger zerolog.Logger
	reveal bool
	newID  func() string

	mu        sync.Mutex
	open      map[eventbus.Speaker]*openMessage
	finalized map[string]struct{}
	finalSeen []string // insertion order, for eviction
}

// New constructs a reconciler bound to the provided event bus.
func New(bus *eventbus.Bus, opts ...Option) *Reconciler {
	r := &Reconciler{
		bus:       bus,
		logger:    zerolog.Nop(),
		newID:     uuid.NewString,
		open:      make(map[eventbus.Speaker]*openMessage),
		finalized: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest applies one segment. Segments must be delivered in arrival order;
// the reconciler never reorders them.
func (r *Reconciler) Ingest(ctx context.Context, seg Segment) {
	if seg.Speaker != eventbus.SpeakerUser && seg.Speaker != eventbus.SpeakerAgent {
		r.logger.Debug().Str("speaker", string(seg.Speaker)).Msg("segment with unknown speaker dropped")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if seg.UtteranceID != "" {
		if _, done := r.finalized[seg.UtteranceID]; done {
			// Late or duplicate segment for an utterance that already closed.
			r.logger.Debug().
				Str("utterance", seg.UtteranceID).
				Bool("final", seg.Final).
				Msg("segment for finalized utterance dropped")
			return
		}
	}

	switch {
	case seg.Speaker == eventbus.SpeakerUser:
		r.ingestUser(ctx, seg)
	case r.reveal:
		r.ingestStreaming(ctx, seg)
	default:
		r.ingestFinalOnly(ctx, seg)
	}
}

// ingestUser commits user speech only on final segments. Partial user speech
// is ephemeral listening feedback and never rendered as a message.
func (r *Reconciler) ingestUser(ctx context.Context, seg Segment) {
	if !seg.Final {
		return
	}
	if seg.Text == "" {
		r.logger.Debug().Msg("empty final user segment dropped")
		return
	}
	r.commitOneShot(ctx, seg)
}

// ingestFinalOnly handles agent segments with progressive reveal disabled.
func (r *Reconciler) ingestFinalOnly(ctx context.Context, seg Segment) {
	if !seg.Final {
		return
	}
	r.commitOneShot(ctx, seg)
}

// ingestStreaming handles agent segments with progressive reveal enabled.
func (r *Reconciler) ingestStreaming(ctx context.Context, seg Segment) {
	cur := r.open[seg.Speaker]

	// A segment for a different utterance implicitly finalizes the open
	// message with its last known text.
	if cur != nil && seg.UtteranceID != "" && cur.utteranceID != "" && cur.utteranceID != seg.UtteranceID {
		r.logger.Debug().
			Str("previous", cur.utteranceID).
			Str("next", seg.UtteranceID).
			Msg("implicitly finalizing superseded utterance")
		r.finalize(ctx, seg.Speaker, cur, cur.text)
		cur = nil
	}

	if cur == nil {
		cur = &openMessage{
			id:          r.newID(),
			utteranceID: seg.UtteranceID,
			text:        seg.Text,
			createdAt:   time.Now().UTC(),
		}
		r.open[seg.Speaker] = cur
		eventbus.Publish(ctx, r.bus, eventbus.Chat.Added, eventbus.SourceTranscript, eventbus.MessageEvent{
			ID:        cur.id,
			Speaker:   seg.Speaker,
			Text:      cur.text,
			Streaming: true,
			CreatedAt: cur.createdAt,
		})
	} else {
		cur.text = seg.Text
		if cur.utteranceID == "" {
			cur.utteranceID = seg.UtteranceID
		}
		eventbus.Publish(ctx, r.bus, eventbus.Chat.Updated, eventbus.SourceTranscript, eventbus.MessageEvent{
			ID:        cur.id,
			Speaker:   seg.Speaker,
			Text:      cur.text,
			Streaming: true,
			CreatedAt: cur.createdAt,
		})
	}

	if seg.Final {
		r.finalize(ctx, seg.Speaker, cur, seg.Text)
	}
}

// commitOneShot creates and immediately finalizes a message from one final
// segment.
func (r *Reconciler) commitOneShot(ctx context.Context, seg Segment) {
	now := time.Now().UTC()
	msg := eventbus.MessageEvent{
		ID:        r.newID(),
		Speaker:   seg.Speaker,
		Text:      seg.Text,
		Streaming: false,
		CreatedAt: now,
	}
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Added, eventbus.SourceTranscript, msg)
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Finalized, eventbus.SourceTranscript, msg)
	r.rememberFinalized(seg.UtteranceID)
}

func (r *Reconciler) finalize(ctx context.Context, speaker eventbus.Speaker, msg *openMessage, text string) {
	if text == "" {
		text = msg.text
	}
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Finalized, eventbus.SourceTranscript, eventbus.MessageEvent{
		ID:        msg.id,
		Speaker:   speaker,
		Text:      text,
		Streaming: false,
		CreatedAt: msg.createdAt,
	})
	delete(r.open, speaker)
	r.rememberFinalized(msg.utteranceID)
}

func (r *Reconciler) rememberFinalized(utteranceID string) {
	if utteranceID == "" {
		return
	}
	if _, ok := r.finalized[utteranceID]; ok {
		return
	}
	r.finalized[utteranceID] = struct{}{}
	r.finalSeen = append(r.finalSeen, utteranceID)
	for len(r.finalSeen) > finalizedMemory {
		delete(r.finalized, r.finalSeen[0])
		r.finalSeen = r.finalSeen[1:]
	}
}

// Flush finalizes any open streaming messages with their last known text.
// Called on disconnect so the chat history never keeps a dangling streaming
// entry.
func (r *Reconciler) Flush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for speaker, msg := range r.open {
		r.finalize(ctx, speaker, msg, msg.text)
	}
}
