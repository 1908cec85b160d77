package gateway

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 64 << 10
)

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

type intentFrame struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text,omitempty"`
		Mode string `json:"mode,omitempty"`
	} `json:"data,omitempty"`
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn().Err(err).Msg("websocket read")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame intentFrame
		if err := sonic.Unmarshal(data, &frame); err != nil {
			c.server.logger.Warn().Err(err).Msg("malformed intent frame")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *client) dispatch(ctx context.Context, frame intentFrame) {
	control := c.server.control
	var err error
	switch frame.Type {
	case "send_chat":
		err = control.SendChat(ctx, frame.Data.Text)
	case "start_voice":
		err = control.StartVoice(ctx)
	case "stop_voice":
		err = control.StopVoice(ctx)
	case "toggle_mic":
		err = control.ToggleMic(ctx)
	case "start_video":
		err = control.StartVideo(ctx)
	case "stop_video":
		err = control.StopVideo(ctx)
	case "toggle_output":
		err = control.ToggleOutput(ctx)
	case "audio_unlock":
		err = control.AudioUnlock(ctx)
	case "set_conversation_mode":
		err = control.SetConversationMode(ctx, eventbus.ConversationMode(frame.Data.Mode))
	case "replay_audio":
		err = control.ReplayLastAudio(ctx)
	case "disconnect":
		err = control.Disconnect(ctx)
	default:
		c.server.logger.Debug().Str("type", frame.Type).Msg("unknown intent")
		return
	}
	if err != nil {
		c.server.logger.Warn().Err(err).Str("type", frame.Type).Msg("intent failed")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
