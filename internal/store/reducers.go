package store

import (
	"strings"
	"time"
)

// ApplyOutboundProvisional inserts a PENDING message at the tail of its
// conversation's sequence, adds its tempId to the pending set, and updates
// the conversation preview unconditionally (optimistic UI). The conversation
// is created implicitly if unknown.
func (s *Store) ApplyOutboundProvisional(m Message) {
	m.Delivery = Pending
	if m.ConversationID == "" {
		m.ConversationID = m.ReceiverID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[m.ConversationID]
	s.messages[m.ConversationID] = append(append([]Message{}, seq...), m)
	if m.TempID != "" {
		s.pending[m.TempID] = struct{}{}
	}
	s.updatePreview(m.ConversationID, m.Content, m.Timestamp, true, false)
}

// ApplyInboundMessage merges a normalized inbound message. A message whose
// server ID already exists in the target sequence is a no-op (dedup across
// realtime push, poll, and storage-signal origins). Returns whether the
// state changed.
func (s *Store) ApplyInboundMessage(m Message) bool {
	if m.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[m.ConversationID]
	if m.ID != "" {
		for _, existing := range seq {
			if existing.ID == m.ID {
				return false
			}
		}
	}

	// Insert ordered by timestamp; equal timestamps keep insertion order.
	idx := len(seq)
	for i, existing := range seq {
		if existing.Timestamp.After(m.Timestamp) {
			idx = i
			break
		}
	}
	next := make([]Message, 0, len(seq)+1)
	next = append(next, seq[:idx]...)
	next = append(next, m)
	next = append(next, seq[idx:]...)
	s.messages[m.ConversationID] = next

	markUnread := m.ViaRealtime && m.SenderID != s.localID && m.ConversationID != s.openConv
	s.updatePreview(m.ConversationID, m.Content, m.Timestamp, false, markUnread)
	return true
}

// ApplyDeliveryResult resolves a delivery outcome against the stored
// sequences and marks the message DELIVERED or FAILED. The identity may be a
// server ID, a tempId, or — as a last resort for legacy partial identifiers
// — a substring of either; containment can mis-resolve under high message
// volume and is only consulted after both exact matches fail. Only PENDING
// messages transition; the identity is removed from the pending set either
// way. Returns the resolved message and whether a transition happened.
func (s *Store) ApplyDeliveryResult(identity string, delivered bool) (Message, bool) {
	if identity == "" {
		return Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, identity)

	convID, idx := s.findMessage(identity)
	if idx < 0 {
		return Message{}, false
	}

	seq := s.messages[convID]
	if seq[idx].Delivery != Pending {
		return seq[idx], false
	}

	next := append([]Message{}, seq...)
	if delivered {
		next[idx].Delivery = Delivered
	} else {
		next[idx].Delivery = Failed
	}
	s.messages[convID] = next
	msg := next[idx]

	// Retire every identity the message carries.
	delete(s.pending, msg.ID)
	delete(s.pending, msg.TempID)

	// Re-derive the preview only for own messages; a delivery result must
	// not overwrite a peer's preview with ours.
	if msg.SenderID == s.localID {
		s.updatePreview(convID, msg.Content, msg.Timestamp, true, false)
	}
	return msg, true
}

// ReplaceProvisional swaps a PENDING provisional for the authoritative
// server record, preserving its position in the sequence, and retires the
// tempId from the pending set. If no provisional with the tempId exists
// (the authoritative push won the race), the record is merged as inbound.
func (s *Store) ReplaceProvisional(tempID string, authoritative Message) {
	if authoritative.ConversationID == "" {
		authoritative.ConversationID = authoritative.ReceiverID
	}
	authoritative.TempID = tempID
	authoritative.Delivery = Delivered

	s.mu.Lock()
	found := false
	for convID, seq := range s.messages {
		for i, m := range seq {
			if m.TempID == tempID && m.Delivery == Pending {
				next := append([]Message{}, seq...)
				next[i] = authoritative
				s.messages[convID] = next
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if found {
		delete(s.pending, tempID)
		s.updatePreview(authoritative.ConversationID, authoritative.Content, authoritative.Timestamp, true, false)
	}
	s.mu.Unlock()

	if !found {
		delete(s.pending, tempID)
		s.ApplyInboundMessage(authoritative)
	}
}

// SetTyping overwrites the typing flag for a conversation. Last write wins.
func (s *Store) SetTyping(conversationID string, isTyping bool) {
	s.mu.Lock()
	s.typing[conversationID] = isTyping
	s.mu.Unlock()
}

// LoadConversations replaces the conversation list from a bootstrap fetch or
// the initial_conversations push, keeping unread flags already known locally.
func (s *Store) LoadConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unread := make(map[string]bool, len(s.conversations))
	for _, c := range s.conversations {
		if c.HasUnread {
			unread[c.UserID] = true
		}
	}

	next := append([]Conversation{}, list...)
	for i := range next {
		if unread[next[i].UserID] {
			next[i].HasUnread = true
		}
	}
	s.conversations = next
	s.sortConversations()
}

// updatePreview updates a conversation's preview and ordering for a merged
// message, creating the conversation implicitly when unknown. Callers hold
// the write lock. Own writes (provisionals, replacements, own delivery
// results) force the preview; inbound merges win only when their timestamp
// is the greatest seen, ties going to the later merge.
func (s *Store) updatePreview(conversationID, content string, ts time.Time, force, markUnread bool) {
	idx := s.conversationIndex(conversationID)
	if idx < 0 {
		s.conversations = append([]Conversation{{
			UserID:        conversationID,
			Name:          "User",
			Preview:       content,
			LastMessageAt: ts,
			HasUnread:     markUnread,
		}}, s.conversations...)
		s.sortConversations()
		return
	}

	next := append([]Conversation{}, s.conversations...)
	if force || !ts.Before(next[idx].LastMessageAt) {
		next[idx].Preview = content
		if ts.After(next[idx].LastMessageAt) {
			next[idx].LastMessageAt = ts
		}
	}
	if markUnread {
		next[idx].HasUnread = true
	}
	s.conversations = next
	s.sortConversations()
}

// findMessage resolves an identity to a stored message: exact server ID
// first, then exact tempId, then substring containment as the last resort.
func (s *Store) findMessage(identity string) (string, int) {
	for convID, seq := range s.messages {
		for i, m := range seq {
			if m.ID != "" && m.ID == identity {
				return convID, i
			}
		}
	}
	for convID, seq := range s.messages {
		for i, m := range seq {
			if m.TempID != "" && m.TempID == identity {
				return convID, i
			}
		}
	}
	for convID, seq := range s.messages {
		for i, m := range seq {
			if containsIdentity(m.ID, identity) || containsIdentity(m.TempID, identity) {
				return convID, i
			}
		}
	}
	return "", -1
}

func containsIdentity(stored, probe string) bool {
	return stored != "" && probe != "" && strings.Contains(stored, probe)
}
