// Package gateway exposes the orchestrator to presentation surfaces over a
// local websocket hub. Bus events are fanned out to every connected UI
// client; inbound frames carry user intents into the session machine.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/eventbus"
)

// Message is one frame on the UI websocket, in both directions.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionControl is the intent surface the gateway drives. Satisfied by the
// session machine.
type SessionControl interface {
	StartVoice(ctx context.Context) error
	StopVoice(ctx context.Context) error
	ToggleMic(ctx context.Context) error
	StartVideo(ctx context.Context) error
	StopVideo(ctx context.Context) error
	ToggleOutput(ctx context.Context) error
	AudioUnlock(ctx context.Context) error
	SetConversationMode(ctx context.Context, mode eventbus.ConversationMode) error
	SendChat(ctx context.Context, text string) error
	ReplayLastAudio(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Server manages websocket connections and event fan-out.
type Server struct {
	control   SessionControl
	bus       *eventbus.Bus
	logger    zerolog.Logger
	lifecycle eventbus.ServiceLifecycle

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer creates a gateway bound to the bus and session control surface.
// The originAllowed function validates the Origin header on upgrade requests;
// empty origins (non-browser clients) are always allowed.
func NewServer(control SessionControl, bus *eventbus.Bus, logger zerolog.Logger, originAllowed func(string) bool) *Server {
	return &Server{
		control:    control,
		bus:        bus,
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
}

// Start begins serving on addr and forwarding bus events.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.lifecycle.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.lifecycle.Go(func(ctx context.Context) { s.run(ctx) })
	s.forwardTopics()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("gateway serve")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the gateway down and waits for its workers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("gateway shutdown")
		}
	}
	return s.lifecycle.Shutdown(ctx)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// forwardTopics bridges every presentation topic onto the websocket hub.
func (s *Server) forwardTopics() {
	forward(s, eventbus.Session.State, "session_state")
	forward(s, eventbus.Session.Status, "status")
	forward(s, eventbus.Chat.Added, "message_added")
	forward(s, eventbus.Chat.Updated, "message_updated")
	forward(s, eventbus.Chat.Finalized, "message_finalized")
	forward(s, eventbus.Chat.Typing, "typing")
	forward(s, eventbus.Chat.Cleared, "chat_cleared")
	forward(s, eventbus.Voice.Activity, "voice_activity")
	forward(s, eventbus.Voice.Subtitle, "subtitle")
	forward(s, eventbus.Media.Track, "media_track")
	forward(s, eventbus.Media.Playback, "playback")
	forward(s, eventbus.UI.Notice, "notice")
	forward(s, eventbus.UI.VisualMode, "visual_mode")
	forward(s, eventbus.Agent.Busy, "agent_busy")
	forward(s, eventbus.Agent.Command, "agent_command")
	forward(s, eventbus.Agent.Persona, "persona")
	forward(s, eventbus.Net.Quality, "quality")
}

func forward[T any](s *Server, td eventbus.TopicDef[T], msgType string) {
	sub := eventbus.SubscribeTo(s.bus, td)
	s.lifecycle.AddSubscriptions(sub)
	s.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, sub, nil, func(payload T) {
			s.Broadcast(msgType, payload)
		})
	})
}

// Broadcast sends one typed message to every connected client.
func (s *Server) Broadcast(msgType string, data interface{}) {
	payload, err := sonic.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("broadcast marshal")
		return
	}
	select {
	case s.broadcast <- payload:
	default:
		s.logger.Warn().Str("type", msgType).Msg("broadcast queue full, dropping")
	}
}

// run is the hub loop: client registry plus fan-out.
func (s *Server) run(ctx context.Context) {
	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()
		case payload := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				select {
				case c.send <- payload:
				default:
					// Slow client; skip rather than stall the hub.
				}
			}
			s.mu.RUnlock()
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.clients {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}
	s.register <- c

	go c.writePump()
	go c.readPump(s.lifecycle.Context())
}
