package room

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	signalWriteWait   = 10 * time.Second
	signalDialTimeout = 10 * time.Second
)

// signalMessage is one frame on the signaling websocket.
type signalMessage struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Identity  string                     `json:"identity,omitempty"`
	Name      string                     `json:"name,omitempty"`
	IsAgent   bool                       `json:"is_agent,omitempty"`
	Quality   string                     `json:"quality,omitempty"`
	LatencyMs int                        `json:"latency_ms,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// Signaling message types.
const (
	signalOffer           = "offer"
	signalAnswer          = "answer"
	signalCandidate       = "candidate"
	signalParticipantJoin = "participant_joined"
	signalParticipantLeft = "participant_left"
	signalQuality         = "quality"
	signalError           = "error"
)

// signalClient is the websocket signaling leg of the room connection.
type signalClient struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
}

// dialSignal connects to the signaling endpoint, authenticating with the room
// token as a query parameter.
func dialSignal(ctx context.Context, rawURL, token string, logger zerolog.Logger) (*signalClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("room: parse signal url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: signalDialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("room: dial signal: %w", err)
	}
	return &signalClient{conn: conn, logger: logger}, nil
}

func (s *signalClient) send(msg signalMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("room: marshal signal %s: %w", msg.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("room: send signal %s: %w", msg.Type, err)
	}
	return nil
}

func (s *signalClient) read() (signalMessage, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return signalMessage{}, err
	}
	var msg signalMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return signalMessage{}, fmt.Errorf("room: malformed signal frame: %w", err)
	}
	return msg, nil
}

// awaitAnswer reads signaling frames until the answer arrives, applying any
// early remote candidates to the peer connection.
func (s *signalClient) awaitAnswer(ctx context.Context, pc *webrtc.PeerConnection) error {
	deadline, ok := ctx.Deadline()
	if ok {
		s.conn.SetReadDeadline(deadline)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := s.read()
		if err != nil {
			return fmt.Errorf("room: waiting for answer: %w", err)
		}
		switch msg.Type {
		case signalAnswer:
			if msg.SDP == nil {
				return errors.New("room: answer without sdp")
			}
			return pc.SetRemoteDescription(*msg.SDP)
		case signalCandidate:
			if msg.Candidate != nil {
				if err := pc.AddICECandidate(*msg.Candidate); err != nil {
					s.logger.Warn().Err(err).Msg("early remote candidate rejected")
				}
			}
		case signalError:
			return fmt.Errorf("room: signal error: %s", msg.Error)
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("ignoring pre-answer signal frame")
		}
	}
}

func (s *signalClient) close() error {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
