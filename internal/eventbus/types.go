package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// The closed set of topics exchanged between the orchestration core and the
// presentation layer.
const (
	TopicSessionState      Topic = "session.state"
	TopicSessionStatus     Topic = "session.status"
	TopicChatMessageAdded  Topic = "chat.message.added"
	TopicChatMessageUpdate Topic = "chat.message.updated"
	TopicChatMessageFinal  Topic = "chat.message.finalized"
	TopicChatTyping        Topic = "chat.typing"
	TopicChatCleared       Topic = "chat.cleared"
	TopicVoiceActivity     Topic = "voice.activity"
	TopicVoiceSubtitle     Topic = "voice.subtitle"
	TopicMediaTrack        Topic = "media.track"
	TopicMediaPlayback     Topic = "media.playback"
	TopicUINotice          Topic = "ui.notice"
	TopicUIVisualMode      Topic = "ui.visual_mode"
	TopicAgentBusy         Topic = "agent.busy"
	TopicAgentCommand      Topic = "agent.command"
	TopicAgentPersona      Topic = "agent.persona"
	TopicNetQuality        Topic = "net.quality"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSessionMachine Source = "session_machine"
	SourceTrackManager   Source = "track_manager"
	SourceTranscript     Source = "transcript"
	SourceCommandRouter  Source = "command_router"
	SourceTransport      Source = "transport"
	SourceGateway        Source = "gateway"
	SourceApp            Source = "app"
	SourceUnknown        Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// Speaker identifies the logical author of a chat message or transcript.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// SessionState enumerates connection lifecycle states.
type SessionState string

const (
	StateInitializing  SessionState = "initializing"
	StateConnecting    SessionState = "connecting"
	StateConnected     SessionState = "connected"
	StateReconnecting  SessionState = "reconnecting"
	StateDisconnecting SessionState = "disconnecting"
	StateDisconnected  SessionState = "disconnected"
	StateError         SessionState = "error"
)

// ConversationMode selects how chat and voice are presented: one merged
// surface, or side-by-side panes.
type ConversationMode string

const (
	ConversationUnified   ConversationMode = "unified"
	ConversationSeparated ConversationMode = "separated"
)

// SessionStateEvent notifies consumers about state machine transitions.
type SessionStateEvent struct {
	State            SessionState
	Attempt          int // retry attempt counter, 0 outside retry paths
	Reason           string
	ConversationMode ConversationMode
	VoiceActive      bool
	VideoActive      bool
	MicEnabled       bool
}

// StatusKind classifies a status line for presentation styling.
type StatusKind string

const (
	StatusInfo      StatusKind = "info"
	StatusListening StatusKind = "listening"
	StatusSpeaking  StatusKind = "speaking"
	StatusThinking  StatusKind = "thinking"
	StatusWarning   StatusKind = "warning"
	StatusError     StatusKind = "error"
)

// StatusEvent carries the current status line shown in the header area.
type StatusEvent struct {
	Text string
	Kind StatusKind
}

// NoticeLevel classifies toast notifications.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// NoticeEvent is a transient toast shown to the user.
type NoticeEvent struct {
	Text  string
	Level NoticeLevel
}

// MessageEvent describes a chat entry being created, revealed or finalized.
type MessageEvent struct {
	ID        string
	Speaker   Speaker
	Text      string
	Streaming bool
	CreatedAt time.Time
}

// TypingEvent toggles the agent typing indicator.
type TypingEvent struct {
	Active bool
}

// ChatClearedEvent instructs the chat view to drop its history.
type ChatClearedEvent struct {
	Reason string
}

// VoiceActivityEvent reports agent speech activity for the voice overlay.
type VoiceActivityEvent struct {
	Active bool
	Level  float32
}

// SubtitleEvent carries in-progress caption text for the call overlays.
type SubtitleEvent struct {
	Text  string
	Final bool
}

// TrackKind identifies the media type of a publication.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaStateEvent reports local publication state for one track kind.
type MediaStateEvent struct {
	Kind      TrackKind
	Published bool
	Enabled   bool
}

// PlaybackEvent reports whether remote audio playback is currently permitted.
type PlaybackEvent struct {
	Allowed bool
}

// VisualMode selects which presentation surface is frontmost.
type VisualMode string

const (
	ModeChat  VisualMode = "chat"
	ModeVoice VisualMode = "voice"
	ModeVideo VisualMode = "video"
)

// VisualModeEvent instructs the presentation layer to switch surfaces.
type VisualModeEvent struct {
	Mode VisualMode
}

// AgentBusyEvent reflects the inbound command concurrency counter.
type AgentBusyEvent struct {
	Busy  bool
	Depth int
}

// AgentCommandEvent forwards an inbound command with no registered handler.
// Presentation extensions subscribe here to opt into new commands without the
// router knowing about them.
type AgentCommandEvent struct {
	Method  string
	Payload []byte
}

// PersonaEvent announces a persona switch requested by the agent.
type PersonaEvent struct {
	PersonaID   string
	DisplayName string
}

// QualityEvent reports connection quality as observed by the transport.
type QualityEvent struct {
	Quality       string
	LatencyMillis int
}

// ---------------------------------------------------------------------------
// Typed topic descriptors
// ---------------------------------------------------------------------------
// Each TopicDef binds a Topic constant to its payload type, enabling
// compile-time enforcement via Publish[T] and SubscribeTo[T].

// Session groups state machine topic descriptors.
var Session = struct {
	State  TopicDef[SessionStateEvent]
	Status TopicDef[StatusEvent]
}{
	State:  NewTopicDef[SessionStateEvent](TopicSessionState),
	Status: NewTopicDef[StatusEvent](TopicSessionStatus),
}

// Chat groups chat view topic descriptors.
var Chat = struct {
	Added     TopicDef[MessageEvent]
	Updated   TopicDef[MessageEvent]
	Finalized TopicDef[MessageEvent]
	Typing    TopicDef[TypingEvent]
	Cleared   TopicDef[ChatClearedEvent]
}{
	Added:     NewTopicDef[MessageEvent](TopicChatMessageAdded),
	Updated:   NewTopicDef[MessageEvent](TopicChatMessageUpdate),
	Finalized: NewTopicDef[MessageEvent](TopicChatMessageFinal),
	Typing:    NewTopicDef[TypingEvent](TopicChatTyping),
	Cleared:   NewTopicDef[ChatClearedEvent](TopicChatCleared),
}

// Voice groups voice overlay topic descriptors.
var Voice = struct {
	Activity TopicDef[VoiceActivityEvent]
	Subtitle TopicDef[SubtitleEvent]
}{
	Activity: NewTopicDef[VoiceActivityEvent](TopicVoiceActivity),
	Subtitle: NewTopicDef[SubtitleEvent](TopicVoiceSubtitle),
}

// Media groups local media state topic descriptors.
var Media = struct {
	Track    TopicDef[MediaStateEvent]
	Playback TopicDef[PlaybackEvent]
}{
	Track:    NewTopicDef[MediaStateEvent](TopicMediaTrack),
	Playback: NewTopicDef[PlaybackEvent](TopicMediaPlayback),
}

// UI groups presentation chrome topic descriptors.
var UI = struct {
	Notice     TopicDef[NoticeEvent]
	VisualMode TopicDef[VisualModeEvent]
}{
	Notice:     NewTopicDef[NoticeEvent](TopicUINotice),
	VisualMode: NewTopicDef[VisualModeEvent](TopicUIVisualMode),
}

// Agent groups remote agent topic descriptors.
var Agent = struct {
	Busy    TopicDef[AgentBusyEvent]
	Command TopicDef[AgentCommandEvent]
	Persona TopicDef[PersonaEvent]
}{
	Busy:    NewTopicDef[AgentBusyEvent](TopicAgentBusy),
	Command: NewTopicDef[AgentCommandEvent](TopicAgentCommand),
	Persona: NewTopicDef[PersonaEvent](TopicAgentPersona),
}

// Net groups connection quality topic descriptors.
var Net = struct {
	Quality TopicDef[QualityEvent]
}{
	Quality: NewTopicDef[QualityEvent](TopicNetQuality),
}
