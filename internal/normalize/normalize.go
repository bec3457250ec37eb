package normalize

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/pigeon/internal/errs"
	"github.com/matheus3301/pigeon/internal/store"
)

// Origin identifies which channel produced a raw message.
type Origin string

const (
	OriginRealtime Origin = "realtime"
	OriginPoll     Origin = "poll"
	OriginStorage  Origin = "storage"
)

const defaultAvatar = "/default-user.png"

// epoch values at or above this are treated as milliseconds.
const millisThreshold = 1e12

// RawMessage mirrors the wire shape of a chat message. The server is
// inconsistent about field names across endpoints, so every field that
// appears under more than one name gets a slot here and is coalesced
// during parsing.
type RawMessage struct {
	ID         string          `json:"_id"`
	AltID      string          `json:"id"`
	MessageID  string          `json:"messageId"`
	Content    string          `json:"content"`
	Text       string          `json:"text"`
	SenderID   string          `json:"senderId"`
	Sender     string          `json:"sender"`
	ReceiverID string          `json:"receiverId"`
	Receiver   string          `json:"receiver"`
	Timestamp  json.RawMessage `json:"timestamp"`
	CreatedAt  json.RawMessage `json:"createdAt"`
}

// RawConversation mirrors one entry of the server's chat list.
type RawConversation struct {
	UserID               string          `json:"userId"`
	ID                   string          `json:"_id"`
	FullName             string          `json:"fullName"`
	Email                string          `json:"email"`
	Pic                  string          `json:"pic"`
	LastMessage          string          `json:"lastMessage"`
	LastMessageTimestamp json.RawMessage `json:"lastMessageTimestamp"`
}

// RawDelivery mirrors a message_delivered push.
type RawDelivery struct {
	MessageID   string `json:"messageId"`
	ID          string `json:"_id"`
	IsDelivered *bool  `json:"isDelivered"`
}

// RawTyping mirrors a user_typing push.
type RawTyping struct {
	UserID   string `json:"userId"`
	SenderID string `json:"senderId"`
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// ParseLiveMessage normalizes a realtime message push into a store
// record. A missing identity gets a synthetic one so the record is
// still mergeable and deduplicable.
func ParseLiveMessage(data []byte, now time.Time) (store.Message, error) {
	var raw RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return store.Message{}, fmt.Errorf("%w: message push: %v", errs.ErrMalformedEvent, err)
	}

	sender := firstNonEmpty(raw.SenderID, raw.Sender)
	if sender == "" {
		return store.Message{}, fmt.Errorf("%w: message push without sender", errs.ErrMalformedEvent)
	}

	id := firstNonEmpty(raw.ID, raw.AltID, raw.MessageID)
	if id == "" {
		id = "socket-" + strconv.FormatInt(now.UnixMilli(), 10)
	}

	return store.Message{
		ID:             id,
		ConversationID: sender,
		SenderID:       sender,
		ReceiverID:     firstNonEmpty(raw.ReceiverID, raw.Receiver),
		Content:        firstNonEmpty(raw.Content, raw.Text),
		Timestamp:      CoerceTimestamp(coalesceRaw(raw.Timestamp, raw.CreatedAt), now),
		Delivery:       store.Delivered,
		ViaRealtime:    true,
	}, nil
}

// ParseHistoryMessage normalizes one message fetched for a known
// conversation. History records are keyed by the conversation they
// were fetched for, not by their sender. An id-less record gets a
// deterministic identity derived from its fields, so re-fetching the
// same history dedups instead of re-appending.
func ParseHistoryMessage(raw RawMessage, conversationID string, origin Origin, now time.Time) store.Message {
	msg := store.Message{
		ID:             firstNonEmpty(raw.ID, raw.AltID, raw.MessageID),
		ConversationID: conversationID,
		SenderID:       firstNonEmpty(raw.SenderID, raw.Sender),
		ReceiverID:     firstNonEmpty(raw.ReceiverID, raw.Receiver),
		Content:        firstNonEmpty(raw.Content, raw.Text),
		Timestamp:      CoerceTimestamp(coalesceRaw(raw.Timestamp, raw.CreatedAt), now),
		Delivery:       store.Delivered,
		ViaRealtime:    origin == OriginRealtime,
	}
	if msg.ID == "" {
		msg.ID = derivedID(msg)
	}
	return msg
}

// derivedID builds a stable identity from the fields that survive
// normalization. Two fetches of the same record hash identically.
func derivedID(msg store.Message) string {
	h := fnv.New64a()
	h.Write([]byte(msg.SenderID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(msg.Timestamp.UnixMilli(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(msg.Content))
	return "derived-" + strconv.FormatUint(h.Sum64(), 16)
}

// ParseConversation normalizes one chat list entry.
func ParseConversation(raw RawConversation, now time.Time) (store.Conversation, error) {
	userID := firstNonEmpty(raw.UserID, raw.ID)
	if userID == "" {
		return store.Conversation{}, fmt.Errorf("%w: chat entry without user id", errs.ErrMalformedEvent)
	}

	avatar := raw.Pic
	if avatar == "" {
		avatar = defaultAvatar
	}

	return store.Conversation{
		UserID:        userID,
		Name:          raw.FullName,
		Email:         raw.Email,
		AvatarURL:     avatar,
		Preview:       raw.LastMessage,
		LastMessageAt: CoerceTimestamp(raw.LastMessageTimestamp, now),
	}, nil
}

// ParseDelivery normalizes a message_delivered push. Pushes without a
// message identity carry nothing actionable and are rejected.
func ParseDelivery(data []byte) (identity string, delivered bool, err error) {
	var raw RawDelivery
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", false, fmt.Errorf("%w: delivery push: %v", errs.ErrMalformedEvent, err)
	}

	identity = firstNonEmpty(raw.MessageID, raw.ID)
	if identity == "" {
		return "", false, fmt.Errorf("%w: delivery push without message id", errs.ErrMalformedEvent)
	}

	delivered = true
	if raw.IsDelivered != nil {
		delivered = *raw.IsDelivered
	}
	return identity, delivered, nil
}

// ParseTyping normalizes a user_typing push.
func ParseTyping(data []byte) (userID string, isTyping bool, err error) {
	var raw RawTyping
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", false, fmt.Errorf("%w: typing push: %v", errs.ErrMalformedEvent, err)
	}

	userID = firstNonEmpty(raw.UserID, raw.SenderID, raw.Sender)
	if userID == "" {
		return "", false, fmt.Errorf("%w: typing push without user id", errs.ErrMalformedEvent)
	}
	return userID, raw.IsTyping, nil
}

// CoerceTimestamp turns whatever the server put in a timestamp slot
// into a usable time. Accepted shapes are RFC 3339 strings, numeric
// strings, and epoch numbers in seconds or milliseconds. Anything
// unparseable falls back to the observation time so records never sort
// to the epoch.
func CoerceTimestamp(raw json.RawMessage, now time.Time) time.Time {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return now
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n)
		}
		return now
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fromEpoch(n)
	}

	// Fractional epoch seconds.
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return fromEpoch(int64(f))
	}

	return now
}

func fromEpoch(n int64) time.Time {
	if n >= millisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func coalesceRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		trimmed := strings.TrimSpace(string(v))
		if trimmed != "" && trimmed != "null" {
			return v
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
