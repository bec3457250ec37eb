package store

import "time"

// DeliveryState is the delivery lifecycle of a message.
type DeliveryState string

const (
	// Pending means the message is shown optimistically and awaits a
	// terminal delivery outcome.
	Pending DeliveryState = "PENDING"
	// Delivered means the server acknowledged the message, or the fallback
	// channel confirmed it.
	Delivered DeliveryState = "DELIVERED"
	// Failed means every delivery path was exhausted.
	Failed DeliveryState = "FAILED"
)

// Message is one entry in a conversation sequence.
type Message struct {
	// ID is the server-assigned identity, stable once set. Empty on a
	// provisional record that has not been reconciled yet.
	ID string
	// TempID is the client-generated provisional identity. Always present on
	// locally originated messages, never reused.
	TempID string
	// ConversationID is the counterparty's user ID in the 1:1 model.
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	// Timestamp is always an absolute instant, normalized at the boundary.
	Timestamp time.Time
	Delivery  DeliveryState
	// ViaRealtime marks messages that arrived on the live push channel, as
	// opposed to poll/backfill recovery. Only genuinely new pushes mark a
	// conversation unread.
	ViaRealtime bool
}

// Conversation is one entry in the chat list. Display metadata (name,
// avatar, email) is sourced from collaborators, not owned here.
type Conversation struct {
	UserID        string
	Name          string
	Email         string
	AvatarURL     string
	Preview       string
	LastMessageAt time.Time
	HasUnread     bool
}
