// Package rpc routes bidirectional commands between the remote agent and the
// local orchestration core over the transport data channel.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/wire"
)

var (
	// ErrCallTimeout is returned when an outbound call receives no response
	// within its deadline. The call is rejected exactly once; a late response
	// is dropped.
	ErrCallTimeout = errors.New("rpc: call timed out")
	// ErrAgentBusy is returned when the agent declines a call because it is
	// mid-utterance.
	ErrAgentBusy = errors.New("rpc: agent busy")
	// ErrNoAudio is returned by replay when the agent has nothing to replay.
	ErrNoAudio = errors.New("rpc: no audio to replay")
	// ErrRemote wraps a generic error status from the agent.
	ErrRemote = errors.New("rpc: remote error")
)

const defaultCallTimeout = 10 * time.Second

// DataSender is the outbound half of the transport the router needs.
type DataSender interface {
	SendData(ctx context.Context, topic string, payload []byte) error
}

// Handler processes one inbound command. The returned value is marshalled
// into the response payload; a nil value produces an empty success response.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Option configures the Router.
type Option func(*Router)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithCallTimeout sets the default deadline for outbound calls.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithIDFunc overrides outbound request ID generation (tests).
func WithIDFunc(fn func() string) Option {
	return func(r *Router) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Router dispatches inbound agent commands to registered handlers and
// correlates outbound requests with their responses. Inbound frames must be
// fed in arrival order; the router never reorders them.
type Router struct {
	sender      DataSender
	bus         *eventbus.Bus
	logger      zerolog.Logger
	callTimeout time.Duration
	newID       func() string

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan wire.RPCFrame
	busy     int
}

// New constructs a router with the built-in presentation handlers registered.
func New(sender DataSender, bus *eventbus.Bus, opts ...Option) *Router {
	r := &Router{
		sender:      sender,
		bus:         bus,
		logger:      zerolog.Nop(),
		callTimeout: defaultCallTimeout,
		newID:       uuid.NewString,
		handlers:    make(map[string]Handler),
		pending:     make(map[string]chan wire.RPCFrame),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerBuiltins()
	return r
}

// Register installs or replaces the handler for a method.
func (r *Router) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// HandleFrame processes one raw frame from the RPC data topic.
func (r *Router) HandleFrame(ctx context.Context, payload []byte) {
	frame, err := wire.DecodeRPC(payload)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed rpc frame")
		return
	}
	switch frame.Type {
	case wire.FrameRequest:
		r.handleRequest(ctx, frame)
	case wire.FrameResponse:
		r.resolvePending(frame)
	}
}

func (r *Router) handleRequest(ctx context.Context, frame wire.RPCFrame) {
	r.mu.Lock()
	handler, known := r.handlers[frame.Method]
	r.mu.Unlock()

	r.enterBusy(ctx)
	defer r.exitBusy(ctx)

	if !known {
		// Unknown methods are not errors: they flow to the extension point so
		// new agent commands work without a router release.
		r.logger.Debug().Str("method", frame.Method).Msg("forwarding unhandled command")
		eventbus.Publish(ctx, r.bus, eventbus.Agent.Command, eventbus.SourceCommandRouter, eventbus.AgentCommandEvent{
			Method:  frame.Method,
			Payload: frame.Payload,
		})
		r.respond(ctx, wire.RPCFrame{
			Type:   wire.FrameResponse,
			ID:     frame.ID,
			Status: wire.StatusSuccess,
		})
		return
	}

	result, err := handler(ctx, frame.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("method", frame.Method).Msg("command handler failed")
		r.respond(ctx, wire.RPCFrame{
			Type:   wire.FrameResponse,
			ID:     frame.ID,
			Status: wire.StatusError,
			Error:  err.Error(),
		})
		return
	}

	resp := wire.RPCFrame{
		Type:   wire.FrameResponse,
		ID:     frame.ID,
		Status: wire.StatusSuccess,
	}
	if result != nil {
		data, err := sonic.Marshal(result)
		if err != nil {
			r.logger.Error().Err(err).Str("method", frame.Method).Msg("response payload marshal failed")
		} else {
			resp.Payload = data
		}
	}
	r.respond(ctx, resp)
}

func (r *Router) respond(ctx context.Context, frame wire.RPCFrame) {
	data, err := wire.EncodeRPC(frame)
	if err != nil {
		r.logger.Error().Err(err).Msg("response encode failed")
		return
	}
	if err := r.sender.SendData(ctx, wire.TopicRPC, data); err != nil {
		r.logger.Warn().Err(err).Str("id", frame.ID).Msg("response send failed")
	}
}

func (r *Router) resolvePending(frame wire.RPCFrame) {
	r.mu.Lock()
	ch, ok := r.pending[frame.ID]
	if ok {
		delete(r.pending, frame.ID)
	}
	r.mu.Unlock()

	if !ok {
		// Late response after the caller already timed out.
		r.logger.Debug().Str("id", frame.ID).Msg("dropping response for settled call")
		return
	}
	ch <- frame
}

// Call sends an outbound request and waits for the matching response. Exactly
// one of the return paths fires per call: a late response after the timeout is
// dropped, never delivered twice.
func (r *Router) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	frame := wire.RPCFrame{
		Type:   wire.FrameRequest,
		ID:     r.newID(),
		Method: method,
	}
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal %s payload: %w", method, err)
		}
		frame.Payload = data
	}

	data, err := wire.EncodeRPC(frame)
	if err != nil {
		return nil, err
	}

	ch := make(chan wire.RPCFrame, 1)
	r.mu.Lock()
	r.pending[frame.ID] = ch
	r.mu.Unlock()

	if err := r.sender.SendData(ctx, wire.TopicRPC, data); err != nil {
		r.mu.Lock()
		delete(r.pending, frame.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("rpc: send %s: %w", method, err)
	}

	timer := time.NewTimer(r.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return r.settle(method, resp)
	case <-timer.C:
		r.mu.Lock()
		_, stillPending := r.pending[frame.ID]
		if stillPending {
			delete(r.pending, frame.ID)
		}
		r.mu.Unlock()
		if !stillPending {
			// The response raced the timer and already won; take it.
			return r.settle(method, <-ch)
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, r.callTimeout)
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, frame.ID)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (r *Router) settle(method string, resp wire.RPCFrame) (json.RawMessage, error) {
	switch resp.Status {
	case wire.StatusSuccess:
		return resp.Payload, nil
	case wire.StatusAgentBusy:
		return nil, fmt.Errorf("%w: %s", ErrAgentBusy, method)
	case wire.StatusNoAudio:
		return nil, fmt.Errorf("%w: %s", ErrNoAudio, method)
	default:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrRemote, method, resp.Error)
		}
		return nil, fmt.Errorf("%w: %s: status %q", ErrRemote, method, resp.Status)
	}
}

// ReplayLastAudio asks the agent to replay its last spoken response. Busy and
// no-audio outcomes surface as user-facing notices as well as typed errors.
func (r *Router) ReplayLastAudio(ctx context.Context) error {
	_, err := r.Call(ctx, "replay_last_audio", nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoAudio):
		eventbus.Publish(ctx, r.bus, eventbus.UI.Notice, eventbus.SourceCommandRouter, eventbus.NoticeEvent{
			Text:  "Nothing to replay yet",
			Level: eventbus.NoticeInfo,
		})
		return err
	case errors.Is(err, ErrAgentBusy):
		eventbus.Publish(ctx, r.bus, eventbus.UI.Notice, eventbus.SourceCommandRouter, eventbus.NoticeEvent{
			Text:  "Please wait until the agent finishes speaking",
			Level: eventbus.NoticeInfo,
		})
		return err
	default:
		return err
	}
}

// enterBusy and exitBusy maintain the inbound concurrency counter and publish
// edge transitions so the UI can show an activity indicator.
func (r *Router) enterBusy(ctx context.Context) {
	r.mu.Lock()
	r.busy++
	depth := r.busy
	r.mu.Unlock()
	if depth == 1 {
		eventbus.Publish(ctx, r.bus, eventbus.Agent.Busy, eventbus.SourceCommandRouter, eventbus.AgentBusyEvent{Busy: true, Depth: depth})
	}
}

func (r *Router) exitBusy(ctx context.Context) {
	r.mu.Lock()
	if r.busy > 0 {
		r.busy--
	}
	depth := r.busy
	r.mu.Unlock()
	if depth == 0 {
		eventbus.Publish(ctx, r.bus, eventbus.Agent.Busy, eventbus.SourceCommandRouter, eventbus.AgentBusyEvent{Busy: false, Depth: 0})
	}
}
