// Package sync implements the message delivery lifecycle and keeps the
// in-memory store converged with the server. Outbound sends follow an
// optimistic path: provisional insert, authoritative REST persist,
// realtime emit with a bounded acknowledgment race, HTTP fallback, and
// a watchdog that forces a terminal state so no message ever shows as
// sending forever.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/pigeon/internal/api"
	"github.com/matheus3301/pigeon/internal/bus"
	"github.com/matheus3301/pigeon/internal/errs"
	"github.com/matheus3301/pigeon/internal/normalize"
	"github.com/matheus3301/pigeon/internal/session"
	"github.com/matheus3301/pigeon/internal/store"
	"github.com/matheus3301/pigeon/internal/transport"
)

// RestClient is the authoritative server surface the engine needs.
type RestClient interface {
	SendMessage(ctx context.Context, receiverID, content string) (store.Message, error)
	FallbackSend(ctx context.Context, msg api.OutboundMessage) error
	ListMessages(ctx context.Context, userID string) ([]store.Message, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
}

// Realtime is the websocket surface the engine needs.
type Realtime interface {
	On(eventType string, h transport.Handler)
	Emit(ctx context.Context, eventType string, payload any) error
	EmitWithAck(ctx context.Context, eventType string, payload any, deadline time.Duration) error
	Connected() bool
}

// RecentPublisher mirrors delivered messages into the cross-process
// replay cache. Optional; nil disables mirroring.
type RecentPublisher interface {
	PublishRecent(msg store.Message) error
}

// Engine drives sends to a terminal state and merges inbound traffic.
type Engine struct {
	store    *store.Store
	rest     RestClient
	realtime Realtime
	cache    RecentPublisher
	resolver *session.Resolver
	bus      *bus.Bus
	logger   *zap.Logger

	ackDeadline time.Duration
	watchdog    time.Duration
	typingReset time.Duration

	cancel context.CancelFunc

	timersMu     sync.Mutex
	typingTimers map[string]*time.Timer
}

func NewEngine(st *store.Store, rest RestClient, rt Realtime, cache RecentPublisher, resolver *session.Resolver, b *bus.Bus, logger *zap.Logger, ackDeadline, watchdog, typingReset time.Duration) *Engine {
	return &Engine{
		store:        st,
		rest:         rest,
		realtime:     rt,
		cache:        cache,
		resolver:     resolver,
		bus:          b,
		logger:       logger.Named("sync"),
		ackDeadline:  ackDeadline,
		watchdog:     watchdog,
		typingReset:  typingReset,
		typingTimers: make(map[string]*time.Timer),
	}
}

// Start registers inbound handlers and begins watching for transport
// recovery. Must run before the transport connects.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.realtime.On("receive_message", func(payload json.RawMessage) {
		e.handleReceiveMessage(ctx, payload)
	})
	e.realtime.On("message_delivered", e.handleDelivered)
	e.realtime.On("user_typing", e.handleTyping)
	e.realtime.On("initial_conversations", e.handleInitialConversations)

	go e.watchReconnects(ctx)
}

// Stop cancels background work and pending typing resets.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.timersMu.Lock()
	for user, timer := range e.typingTimers {
		timer.Stop()
		delete(e.typingTimers, user)
	}
	e.timersMu.Unlock()
}

// Send starts the optimistic delivery lifecycle for a text message and
// returns the provisional identity. The only synchronous failure is an
// unresolvable local identity; everything after the provisional insert
// is reported through the bus.
func (e *Engine) Send(ctx context.Context, receiverID, content string) (string, error) {
	identity, ok := e.resolver.Resolve()
	if !ok {
		return "", errs.ErrUnauthenticated
	}

	tempID := "temp-" + uuid.NewString()
	now := time.Now().UTC()

	e.store.ApplyOutboundProvisional(store.Message{
		TempID:         tempID,
		ConversationID: receiverID,
		SenderID:       identity.UserID,
		ReceiverID:     receiverID,
		Content:        content,
		Timestamp:      now,
	})
	e.publishUpserted(receiverID, tempID)

	// Last line of defense: whatever the delivery paths do, the
	// provisional record leaves PENDING within the watchdog bound.
	watchdog := time.AfterFunc(e.watchdog, func() {
		if msg, changed := e.store.ApplyDeliveryResult(tempID, false); changed {
			e.logger.Warn("send watchdog fired", zap.String("temp_id", tempID))
			e.publishSendOutcome(msg, "watchdog")
		}
	})

	go e.deliver(ctx, watchdog, tempID, receiverID, content, identity)
	return tempID, nil
}

func (e *Engine) deliver(ctx context.Context, watchdog *time.Timer, tempID, receiverID, content string, identity session.Identity) {
	authoritative, err := e.rest.SendMessage(ctx, receiverID, content)
	if err != nil {
		e.logger.Warn("rest send failed, racing realtime and fallback",
			zap.String("temp_id", tempID), zap.Error(err))
		e.deliverDegraded(ctx, watchdog, tempID, receiverID, content, identity)
		return
	}

	// The server persisted the message: it is delivered regardless of
	// what the realtime echo does. Swap the provisional in place.
	e.store.ReplaceProvisional(tempID, authoritative)
	watchdog.Stop()
	e.publishUpserted(receiverID, authoritative.ID)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDelivered,
		Timestamp: time.Now(),
		Payload: bus.DeliveryNotice{
			ConversationID: receiverID,
			Identity:       authoritative.ID,
			Delivered:      true,
		},
	})
	e.mirrorToCache(authoritative)

	// Best-effort realtime echo so the receiver sees the message without
	// waiting for their next poll. An unacknowledged emit falls back to
	// the HTTP redelivery endpoint; either way the message stays
	// delivered.
	payload := e.outboundPayload(tempID, receiverID, content, identity)
	payload.MessageID = authoritative.ID
	payload.ID = authoritative.ID
	payload.ChatID = authoritative.ConversationID

	if !e.realtime.Connected() {
		if fbErr := e.rest.FallbackSend(ctx, payload); fbErr != nil {
			e.logger.Debug("fallback redelivery failed", zap.String("message_id", authoritative.ID), zap.Error(fbErr))
		}
		return
	}
	if ackErr := e.realtime.EmitWithAck(ctx, "send_message", payload, e.ackDeadline); ackErr != nil {
		e.logger.Debug("realtime echo unacknowledged, using fallback",
			zap.String("message_id", authoritative.ID), zap.Error(ackErr))
		if fbErr := e.rest.FallbackSend(ctx, payload); fbErr != nil {
			e.logger.Debug("fallback redelivery failed", zap.String("message_id", authoritative.ID), zap.Error(fbErr))
		}
	}
}

// deliverDegraded handles the path where the server rejected or never
// saw the REST send. The realtime emit and the HTTP fallback now carry
// the delivery, and their outcome decides the terminal state.
func (e *Engine) deliverDegraded(ctx context.Context, watchdog *time.Timer, tempID, receiverID, content string, identity session.Identity) {
	payload := e.outboundPayload(tempID, receiverID, content, identity)

	if e.realtime.Connected() {
		if err := e.realtime.EmitWithAck(ctx, "send_message", payload, e.ackDeadline); err == nil {
			if msg, changed := e.store.ApplyDeliveryResult(tempID, true); changed {
				watchdog.Stop()
				e.publishSendOutcome(msg, "")
				e.mirrorToCache(msg)
			}
			return
		} else {
			e.logger.Warn("realtime delivery unacknowledged", zap.String("temp_id", tempID), zap.Error(err))
		}
	}

	if err := e.rest.FallbackSend(ctx, payload); err != nil {
		e.logger.Error("all delivery paths exhausted", zap.String("temp_id", tempID), zap.Error(err))
		if msg, changed := e.store.ApplyDeliveryResult(tempID, false); changed {
			watchdog.Stop()
			e.publishSendOutcome(msg, "fallback failed")
		}
		return
	}

	if msg, changed := e.store.ApplyDeliveryResult(tempID, true); changed {
		watchdog.Stop()
		e.publishSendOutcome(msg, "")
		e.mirrorToCache(msg)
	}
}

// ResendFailed restarts the lifecycle for a failed message. The failed
// record stays in place; the retry is a fresh provisional.
func (e *Engine) ResendFailed(ctx context.Context, conversationID, identity string) (string, error) {
	for _, msg := range e.store.MessagesFor(conversationID) {
		if (msg.ID == identity || msg.TempID == identity) && msg.Delivery == store.Failed {
			return e.Send(ctx, conversationID, msg.Content)
		}
	}
	return "", errs.ErrMalformedEvent
}

// OpenConversation selects a conversation, joins its realtime room, and
// fetches its history.
func (e *Engine) OpenConversation(ctx context.Context, userID string) error {
	e.store.SetOpenConversation(userID)

	if e.realtime.Connected() {
		if err := e.realtime.Emit(ctx, "join_chat", map[string]string{"chatId": userID}); err != nil {
			e.logger.Debug("join_chat emit failed", zap.Error(err))
		}
	}
	return e.FetchHistory(ctx, userID)
}

// FetchHistory merges the server's full history for one conversation.
func (e *Engine) FetchHistory(ctx context.Context, userID string) error {
	messages, err := e.rest.ListMessages(ctx, userID)
	if err != nil {
		return err
	}

	merged := 0
	for _, msg := range messages {
		if e.store.ApplyInboundMessage(msg) {
			merged++
		}
	}
	if merged > 0 {
		e.publishUpserted(userID, "")
	}
	return nil
}

// Bootstrap loads the conversation list from the REST API. The
// realtime initial_conversations push covers the same ground; both run
// because either side can be down.
func (e *Engine) Bootstrap(ctx context.Context) error {
	conversations, err := e.rest.ListConversations(ctx)
	if err != nil {
		return err
	}
	e.store.LoadConversations(conversations)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationsLoaded,
		Timestamp: time.Now(),
		Payload:   len(conversations),
	})
	return nil
}

// EmitTyping announces local typing to the peer. Best effort: typing
// state is cosmetic and never queued.
func (e *Engine) EmitTyping(ctx context.Context, receiverID string, isTyping bool) {
	identity, ok := e.resolver.Resolve()
	if !ok || !e.realtime.Connected() {
		return
	}
	err := e.realtime.Emit(ctx, "typing", map[string]any{
		"receiverId": receiverID,
		"senderId":   identity.UserID,
		"isTyping":   isTyping,
	})
	if err != nil {
		e.logger.Debug("typing emit failed", zap.Error(err))
	}
}

func (e *Engine) handleReceiveMessage(ctx context.Context, payload json.RawMessage) {
	msg, err := normalize.ParseLiveMessage(payload, time.Now().UTC())
	if err != nil {
		e.logger.Warn("discarding malformed message push", zap.Error(err))
		return
	}

	// A push can be the server echo of our own pending send; resolve it
	// before merging so the merge sees a terminal record.
	if delivered, changed := e.store.ApplyDeliveryResult(msg.ID, true); changed {
		e.publishSendOutcome(delivered, "")
	}

	if e.store.ApplyInboundMessage(msg) {
		e.publishUpserted(msg.ConversationID, msg.ID)
		e.mirrorToCache(msg)
	}
}

func (e *Engine) handleDelivered(payload json.RawMessage) {
	identity, delivered, err := normalize.ParseDelivery(payload)
	if err != nil {
		e.logger.Warn("discarding malformed delivery push", zap.Error(err))
		return
	}

	if msg, changed := e.store.ApplyDeliveryResult(identity, delivered); changed {
		reason := ""
		if !delivered {
			reason = "server reported failure"
		}
		e.publishSendOutcome(msg, reason)
	}
}

func (e *Engine) handleTyping(payload json.RawMessage) {
	userID, isTyping, err := normalize.ParseTyping(payload)
	if err != nil {
		e.logger.Debug("discarding malformed typing push", zap.Error(err))
		return
	}

	e.store.SetTyping(userID, isTyping)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindTyping,
		Timestamp: time.Now(),
		Payload:   map[string]any{"user_id": userID, "is_typing": isTyping},
	})

	if isTyping {
		e.scheduleTypingReset(userID)
	} else {
		e.cancelTypingReset(userID)
	}
}

// scheduleTypingReset clears a typing flag that the peer never
// retracts. Each renewal pushes the reset out.
func (e *Engine) scheduleTypingReset(userID string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	if timer, ok := e.typingTimers[userID]; ok {
		timer.Stop()
	}
	e.typingTimers[userID] = time.AfterFunc(e.typingReset, func() {
		e.store.SetTyping(userID, false)
		e.bus.Publish(bus.Event{
			Kind:      bus.KindTyping,
			Timestamp: time.Now(),
			Payload:   map[string]any{"user_id": userID, "is_typing": false},
		})
		e.cancelTypingReset(userID)
	})
}

func (e *Engine) cancelTypingReset(userID string) {
	e.timersMu.Lock()
	if timer, ok := e.typingTimers[userID]; ok {
		timer.Stop()
		delete(e.typingTimers, userID)
	}
	e.timersMu.Unlock()
}

func (e *Engine) handleInitialConversations(payload json.RawMessage) {
	var data struct {
		ChatList []normalize.RawConversation `json:"chatList"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		e.logger.Warn("discarding malformed initial_conversations push", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	conversations := make([]store.Conversation, 0, len(data.ChatList))
	for _, raw := range data.ChatList {
		conv, err := normalize.ParseConversation(raw, now)
		if err != nil {
			continue
		}
		conversations = append(conversations, conv)
	}

	e.store.LoadConversations(conversations)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationsLoaded,
		Timestamp: time.Now(),
		Payload:   len(conversations),
	})
}

// watchReconnects refreshes server state after the transport recovers:
// the conversation list and the open conversation may have moved while
// the channel was down.
func (e *Engine) watchReconnects(ctx context.Context) {
	events, unsub := e.bus.Subscribe("transport.", 16)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if evt.Kind != bus.KindReconnected {
				continue
			}
			if err := e.Bootstrap(ctx); err != nil {
				e.logger.Warn("post-reconnect bootstrap failed", zap.Error(err))
			}
			if open := e.store.OpenConversation(); open != "" {
				if err := e.FetchHistory(ctx, open); err != nil {
					e.logger.Warn("post-reconnect history fetch failed",
						zap.String("conversation", open), zap.Error(err))
				}
			}
		}
	}
}

func (e *Engine) outboundPayload(tempID, receiverID, content string, identity session.Identity) api.OutboundMessage {
	return api.OutboundMessage{
		ReceiverID: receiverID,
		Content:    content,
		SenderID:   identity.UserID,
		TempID:     tempID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Engine) mirrorToCache(msg store.Message) {
	if e.cache == nil {
		return
	}
	if err := e.cache.PublishRecent(msg); err != nil {
		e.logger.Debug("cache mirror failed", zap.Error(err))
	}
}

func (e *Engine) publishUpserted(conversationID, identity string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"identity":        identity,
		},
	})
}

func (e *Engine) publishSendOutcome(msg store.Message, reason string) {
	kind := bus.KindMessageDelivered
	if msg.Delivery == store.Failed {
		kind = bus.KindSendFailed
	}
	identity := msg.ID
	if identity == "" {
		identity = msg.TempID
	}
	e.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: bus.DeliveryNotice{
			ConversationID: msg.ConversationID,
			Identity:       identity,
			Delivered:      msg.Delivery == store.Delivered,
			Reason:         reason,
		},
	})
}
