// Package store is the authoritative in-memory chat state: conversations,
// per-conversation message sequences, typing flags, and the pending-send
// set. All writes go through the transition operations in reducers.go; every
// transition is total and idempotent on duplicates, and runs atomically
// under the store mutex. Mutated collections are replaced, never aliased, so
// readers can detect change by identity.
package store

import (
	"sort"
	"strings"
	"sync"
)

// Store owns all chat entities. Other components only submit transition
// requests; nothing outside this package mutates entities directly.
type Store struct {
	mu sync.RWMutex

	localID  string
	openConv string

	conversations []Conversation
	messages      map[string][]Message
	pending       map[string]struct{}
	typing        map[string]bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string][]Message),
		pending:  make(map[string]struct{}),
		typing:   make(map[string]bool),
	}
}

// SetLocalUser records the local identity. The store needs it to re-derive
// previews only for own messages and to mark unread only for others'.
func (s *Store) SetLocalUser(userID string) {
	s.mu.Lock()
	s.localID = userID
	s.mu.Unlock()
}

// SetOpenConversation records which conversation the UI has open and clears
// its unread flag. Returns the previously open conversation ID.
func (s *Store) SetOpenConversation(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.openConv
	s.openConv = conversationID
	if conversationID == "" {
		return prev
	}
	for i, c := range s.conversations {
		if c.UserID == conversationID && c.HasUnread {
			next := append([]Conversation{}, s.conversations...)
			next[i].HasUnread = false
			s.conversations = next
			break
		}
	}
	return prev
}

// OpenConversation returns the currently open conversation ID, if any.
func (s *Store) OpenConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openConv
}

// Conversations returns the conversation list, sorted by last message
// timestamp descending. The returned slice is a copy.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation{}, s.conversations...)
}

// Conversation returns a single conversation by counterparty ID.
func (s *Store) Conversation(userID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.UserID == userID {
			return c, true
		}
	}
	return Conversation{}, false
}

// FilterConversations returns conversations whose name or email contains the
// query, case-insensitive. An empty query returns the full list.
func (s *Store) FilterConversations(query string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return append([]Conversation{}, s.conversations...)
	}
	var out []Conversation
	for _, c := range s.conversations {
		if strings.Contains(strings.ToLower(c.Name), query) ||
			strings.Contains(strings.ToLower(c.Email), query) {
			out = append(out, c)
		}
	}
	return out
}

// MessagesFor returns the message sequence for a conversation, ordered by
// timestamp with insertion order as tie-break. The returned slice is a copy.
func (s *Store) MessagesFor(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message{}, s.messages[conversationID]...)
}

// IsPending reports whether the given identity (server ID or tempId) is
// still awaiting a terminal delivery outcome.
func (s *Store) IsPending(identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[identity]
	return ok
}

// PendingCount returns the size of the pending-send set.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// IsTyping returns the typing flag for a conversation.
func (s *Store) IsTyping(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[conversationID]
}

// sortConversations re-sorts the list by LastMessageAt descending. Callers
// hold the write lock and have already replaced the slice.
func (s *Store) sortConversations() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].LastMessageAt.After(s.conversations[j].LastMessageAt)
	})
}

func (s *Store) conversationIndex(userID string) int {
	for i, c := range s.conversations {
		if c.UserID == userID {
			return i
		}
	}
	return -1
}
