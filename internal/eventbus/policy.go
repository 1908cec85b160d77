package eventbus

// Priority classifies a topic's importance for delivery guarantees.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityCritical Priority = 2
)

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest removes the oldest event from the channel and enqueues the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event when the channel is full.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyOverflow spills into a capped ring buffer; a background goroutine drains it back.
	StrategyOverflow DeliveryStrategy = "overflow"
)

// DeliveryPolicy controls how a topic handles backpressure.
type DeliveryPolicy struct {
	Strategy    DeliveryStrategy
	Priority    Priority
	MaxOverflow int // ring buffer cap for StrategyOverflow (0 = defaultMaxOverflow)
}

const defaultMaxOverflow = 512

// defaultPolicy is used for topics without an explicit entry in defaultPolicies.
var defaultPolicy = DeliveryPolicy{
	Strategy: StrategyDropOldest,
	Priority: PriorityNormal,
}

// defaultPolicies maps known topics to their delivery policies.
var defaultPolicies = map[Topic]DeliveryPolicy{
	// Critical — drops mean lost chat history or a UI stuck in a stale state.
	TopicSessionState:     {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicChatMessageFinal: {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicChatCleared:      {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicAgentPersona:     {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},

	// Normal — superseded by the next event of the same kind.
	TopicSessionStatus:     {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicChatMessageAdded:  {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicChatMessageUpdate: {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicVoiceActivity:     {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicVoiceSubtitle:     {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicMediaTrack:        {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicMediaPlayback:     {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicUIVisualMode:      {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicAgentBusy:         {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicAgentCommand:      {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicChatTyping:        {Strategy: StrategyDropOldest, Priority: PriorityNormal},

	// Low — informational and frequent.
	TopicUINotice:   {Strategy: StrategyDropNewest, Priority: PriorityLow},
	TopicNetQuality: {Strategy: StrategyDropNewest, Priority: PriorityLow},
}

// policyFor returns the delivery policy for a topic, falling back to defaultPolicy.
func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if overrides != nil {
		if p, ok := overrides[topic]; ok {
			return p
		}
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
