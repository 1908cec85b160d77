// Package wire defines the JSON frames exchanged with the remote agent over
// the transport data channel.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Data-channel topics.
const (
	TopicRPC        = "parley.rpc"
	TopicTranscript = "parley.transcript"
	TopicChat       = "parley.chat"
)

// RPC frame types.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
)

// Response statuses understood by both sides. Anything else is treated as a
// generic remote error.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusAgentBusy = "agent_busy"
	StatusNoAudio   = "no_audio"
)

var (
	// ErrBadFrame indicates a frame that does not conform to the wire contract.
	ErrBadFrame = errors.New("wire: malformed frame")
)

// RPCFrame is one request or response on the RPC topic.
type RPCFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  string          `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TranscriptFrame is one partial or final transcript segment.
type TranscriptFrame struct {
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
	SegmentID   string `json:"segment_id,omitempty"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// ChatFrame carries user-typed text to the agent.
type ChatFrame struct {
	Text string `json:"text"`
}

// EncodeRPC marshals an RPC frame.
func EncodeRPC(frame RPCFrame) ([]byte, error) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode rpc: %w", err)
	}
	return data, nil
}

// DecodeRPC unmarshals and validates an RPC frame.
func DecodeRPC(data []byte) (RPCFrame, error) {
	var frame RPCFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return RPCFrame{}, fmt.Errorf("wire: decode rpc: %w", err)
	}
	if frame.Type != FrameRequest && frame.Type != FrameResponse {
		return RPCFrame{}, fmt.Errorf("%w: unknown rpc frame type %q", ErrBadFrame, frame.Type)
	}
	if frame.ID == "" {
		return RPCFrame{}, fmt.Errorf("%w: rpc frame without id", ErrBadFrame)
	}
	if frame.Type == FrameRequest && frame.Method == "" {
		return RPCFrame{}, fmt.Errorf("%w: rpc request without method", ErrBadFrame)
	}
	return frame, nil
}

// EncodeTranscript marshals a transcript frame.
func EncodeTranscript(frame TranscriptFrame) ([]byte, error) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode transcript: %w", err)
	}
	return data, nil
}

// DecodeTranscript unmarshals a transcript frame.
func DecodeTranscript(data []byte) (TranscriptFrame, error) {
	var frame TranscriptFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return TranscriptFrame{}, fmt.Errorf("wire: decode transcript: %w", err)
	}
	if frame.Speaker == "" {
		return TranscriptFrame{}, fmt.Errorf("%w: transcript without speaker", ErrBadFrame)
	}
	return frame, nil
}

// EncodeChat marshals a chat frame.
func EncodeChat(frame ChatFrame) ([]byte, error) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode chat: %w", err)
	}
	return data, nil
}
