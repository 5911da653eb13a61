package bus

import "time"

// InboundMessage is a user message arriving from a transport.
type InboundMessage struct {
	Channel   string // "cli", "telegram", "discord"
	ChatID    string // transport-native chat identifier
	SenderID  string // transport-native user identifier
	MessageID string // transport-native message id, used for dedupe
	Content   string
	Media     []string // local paths of downloaded attachments
	Timestamp time.Time
}

// OutboundMessage is a reply heading back to a transport.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	// Partial marks intermediate commentary from a multi-step turn.
	// Transports may render it as an editable preview.
	Partial bool
}

// EventKind identifies a broadcast event.
type EventKind string

const (
	// EventApprovalPending fires when a proposal is held at the gate.
	EventApprovalPending EventKind = "approval.pending"
	// EventApprovalResolved fires when a held proposal settles.
	EventApprovalResolved EventKind = "approval.resolved"
	// EventTurnDone fires when an agent turn completes.
	EventTurnDone EventKind = "turn.done"
)

// Event is broadcast to subscribers (transports, audit, CLI status).
type Event struct {
	Kind       EventKind
	SessionKey string
	Payload    map[string]interface{}
}

// EventHandler receives broadcast events. Handlers must not block.
type EventHandler func(event Event)
