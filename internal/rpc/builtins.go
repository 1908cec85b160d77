package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/eventbus"
)

// The built-in command surface mirrors what the agent is allowed to drive in
// the presentation layer. Anything outside this set flows through the
// Agent.Command extension topic instead.

type showMessagePayload struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

type updateStatusPayload struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

type showTypingPayload struct {
	Active bool `json:"active"`
}

type voiceActivityPayload struct {
	Active bool    `json:"active"`
	Level  float32 `json:"level,omitempty"`
}

type subtitlePayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

type switchPersonaPayload struct {
	PersonaID   string `json:"persona_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type visualModePayload struct {
	Mode string `json:"mode"`
}

type notifyPayload struct {
	Text  string `json:"text"`
	Level string `json:"level,omitempty"`
}

func (r *Router) registerBuiltins() {
	r.Register("show_message", r.handleShowMessage)
	r.Register("update_status", r.handleUpdateStatus)
	r.Register("show_typing", r.handleShowTyping)
	r.Register("clear_chat", r.handleClearChat)
	r.Register("set_voice_activity", r.handleVoiceActivity)
	r.Register("update_subtitle", r.handleSubtitle)
	r.Register("switch_persona", r.handleSwitchPersona)
	r.Register("set_visual_mode", r.handleVisualMode)
	r.Register("notify", r.handleNotify)
}

func (r *Router) handleShowMessage(ctx context.Context, payload json.RawMessage) (any, error) {
	var p showMessagePayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("show_message: %w", err)
	}
	if p.Text == "" {
		return nil, fmt.Errorf("show_message: empty text")
	}
	speaker := eventbus.SpeakerAgent
	if p.Speaker == string(eventbus.SpeakerUser) {
		speaker = eventbus.SpeakerUser
	}
	msg := eventbus.MessageEvent{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      p.Text,
		CreatedAt: time.Now().UTC(),
	}
	// Agent-injected messages arrive complete; they skip the reconciler.
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Added, eventbus.SourceCommandRouter, msg)
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Finalized, eventbus.SourceCommandRouter, msg)
	return nil, nil
}

func (r *Router) handleUpdateStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var p updateStatusPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("update_status: %w", err)
	}
	kind := eventbus.StatusKind(p.Kind)
	switch kind {
	case eventbus.StatusInfo, eventbus.StatusListening, eventbus.StatusSpeaking,
		eventbus.StatusThinking, eventbus.StatusWarning, eventbus.StatusError:
	case "":
		kind = eventbus.StatusInfo
	default:
		return nil, fmt.Errorf("update_status: unknown kind %q", p.Kind)
	}
	eventbus.Publish(ctx, r.bus, eventbus.Session.Status, eventbus.SourceCommandRouter, eventbus.StatusEvent{
		Text: p.Text,
		Kind: kind,
	})
	return nil, nil
}

func (r *Router) handleShowTyping(ctx context.Context, payload json.RawMessage) (any, error) {
	var p showTypingPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("show_typing: %w", err)
	}
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Typing, eventbus.SourceCommandRouter, eventbus.TypingEvent{Active: p.Active})
	return nil, nil
}

func (r *Router) handleClearChat(ctx context.Context, _ json.RawMessage) (any, error) {
	eventbus.Publish(ctx, r.bus, eventbus.Chat.Cleared, eventbus.SourceCommandRouter, eventbus.ChatClearedEvent{
		Reason: "agent_request",
	})
	return nil, nil
}

func (r *Router) handleVoiceActivity(ctx context.Context, payload json.RawMessage) (any, error) {
	var p voiceActivityPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("set_voice_activity: %w", err)
	}
	eventbus.Publish(ctx, r.bus, eventbus.Voice.Activity, eventbus.SourceCommandRouter, eventbus.VoiceActivityEvent{
		Active: p.Active,
		Level:  p.Level,
	})
	return nil, nil
}

func (r *Router) handleSubtitle(ctx context.Context, payload json.RawMessage) (any, error) {
	var p subtitlePayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("update_subtitle: %w", err)
	}
	eventbus.Publish(ctx, r.bus, eventbus.Voice.Subtitle, eventbus.SourceCommandRouter, eventbus.SubtitleEvent{
		Text:  p.Text,
		Final: p.Final,
	})
	return nil, nil
}

func (r *Router) handleSwitchPersona(ctx context.Context, payload json.RawMessage) (any, error) {
	var p switchPersonaPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("switch_persona: %w", err)
	}
	if p.PersonaID == "" {
		return nil, fmt.Errorf("switch_persona: missing persona_id")
	}
	eventbus.Publish(ctx, r.bus, eventbus.Agent.Persona, eventbus.SourceCommandRouter, eventbus.PersonaEvent{
		PersonaID:   p.PersonaID,
		DisplayName: p.DisplayName,
	})
	return nil, nil
}

func (r *Router) handleVisualMode(ctx context.Context, payload json.RawMessage) (any, error) {
	var p visualModePayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("set_visual_mode: %w", err)
	}
	mode := eventbus.VisualMode(p.Mode)
	switch mode {
	case eventbus.ModeChat, eventbus.ModeVoice, eventbus.ModeVideo:
	default:
		return nil, fmt.Errorf("set_visual_mode: unknown mode %q", p.Mode)
	}
	eventbus.Publish(ctx, r.bus, eventbus.UI.VisualMode, eventbus.SourceCommandRouter, eventbus.VisualModeEvent{Mode: mode})
	return nil, nil
}

func (r *Router) handleNotify(ctx context.Context, payload json.RawMessage) (any, error) {
	var p notifyPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	level := eventbus.NoticeLevel(p.Level)
	switch level {
	case eventbus.NoticeInfo, eventbus.NoticeSuccess, eventbus.NoticeWarning, eventbus.NoticeError:
	case "":
		level = eventbus.NoticeInfo
	default:
		return nil, fmt.Errorf("notify: unknown level %q", p.Level)
	}
	eventbus.Publish(ctx, r.bus, eventbus.UI.Notice, eventbus.SourceCommandRouter, eventbus.NoticeEvent{
		Text:  p.Text,
		Level: level,
	})
	return nil, nil
}
