package wire_test

import (
	"errors"
	"testing"

	"github.com/parley-ai/parley/internal/wire"
)

func TestDecodeRPCValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"request", `{"type":"request","id":"r1","method":"show_message"}`, true},
		{"response", `{"type":"response","id":"r1","status":"success"}`, true},
		{"unknown type", `{"type":"ping","id":"r1"}`, false},
		{"missing id", `{"type":"request","method":"m"}`, false},
		{"request without method", `{"type":"request","id":"r1"}`, false},
		{"not json", `nope`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := wire.DecodeRPC([]byte(tc.data))
			if tc.ok {
				if err != nil {
					t.Fatalf("expected frame to decode: %v", err)
				}
				if frame.ID != "r1" {
					t.Fatalf("unexpected id %q", frame.ID)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected decode error, got frame %+v", frame)
			}
		})
	}
}

func TestDecodeTranscriptRequiresSpeaker(t *testing.T) {
	_, err := wire.DecodeTranscript([]byte(`{"text":"hola","final":false}`))
	if !errors.Is(err, wire.ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}

	frame, err := wire.DecodeTranscript([]byte(`{"speaker":"agent","text":"hola","final":true,"utterance_id":"u1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Speaker != "agent" || !frame.Final || frame.UtteranceID != "u1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
