package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. UI layers subscribe by namespace
// prefix ("chat.", "transport.", ...).
const (
	// KindMessageUpserted fires whenever a conversation sequence changed.
	// Payload: map[string]string with conversation_id and identity keys.
	KindMessageUpserted = "chat.message_upserted"

	// KindMessageDelivered fires when a message reached a terminal delivery
	// state. Payload: DeliveryNotice.
	KindMessageDelivered = "chat.message_delivered"

	// KindSendFailed fires when every delivery path was exhausted.
	// Payload: DeliveryNotice.
	KindSendFailed = "chat.send_failed"

	// KindTyping fires on typing flag changes.
	KindTyping = "chat.typing"

	// KindConversationsLoaded fires after a bootstrap or initial_conversations
	// merge. Payload: int (conversation count).
	KindConversationsLoaded = "chat.conversations_loaded"

	// KindStatusChanged fires on transport connectivity transitions.
	KindStatusChanged = "transport.status_changed"

	// KindReconnected fires after the transport re-established and
	// re-authenticated a dropped connection.
	KindReconnected = "transport.reconnected"

	// KindDegraded fires when the reconnect budget is exhausted.
	KindDegraded = "transport.degraded"

	// KindSignal fires when the cross-process signal counter advanced.
	// Payload: int64 (new counter value).
	KindSignal = "signal.advanced"
)

// DeliveryNotice is the payload for message delivery outcome events.
type DeliveryNotice struct {
	ConversationID string
	Identity       string
	Delivered      bool
	Reason         string
}
