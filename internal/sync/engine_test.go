package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/pigeon/internal/api"
	"github.com/matheus3301/pigeon/internal/bus"
	"github.com/matheus3301/pigeon/internal/errs"
	"github.com/matheus3301/pigeon/internal/session"
	"github.com/matheus3301/pigeon/internal/store"
	"github.com/matheus3301/pigeon/internal/transport"
)

type fakeRest struct {
	mu            sync.Mutex
	sendFn        func(receiverID, content string) (store.Message, error)
	fallbackErr   error
	fallbackCalls int
	messages      map[string][]store.Message
	conversations []store.Conversation
	listErr       error
}

func (f *fakeRest) SendMessage(ctx context.Context, receiverID, content string) (store.Message, error) {
	return f.sendFn(receiverID, content)
}

func (f *fakeRest) FallbackSend(ctx context.Context, msg api.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbackCalls++
	return f.fallbackErr
}

func (f *fakeRest) ListMessages(ctx context.Context, userID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages[userID], nil
}

func (f *fakeRest) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.conversations, nil
}

func (f *fakeRest) fallbacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fallbackCalls
}

type fakeRealtime struct {
	mu        sync.Mutex
	connected bool
	ackErr    error
	handlers  map[string][]transport.Handler
	emitted   []string
}

func newFakeRealtime(connected bool) *fakeRealtime {
	return &fakeRealtime{connected: connected, handlers: make(map[string][]transport.Handler)}
}

func (f *fakeRealtime) On(eventType string, h transport.Handler) {
	f.mu.Lock()
	f.handlers[eventType] = append(f.handlers[eventType], h)
	f.mu.Unlock()
}

func (f *fakeRealtime) Emit(ctx context.Context, eventType string, payload any) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, eventType)
	f.mu.Unlock()
	if !f.connected {
		return errs.ErrTransportUnavailable
	}
	return nil
}

func (f *fakeRealtime) EmitWithAck(ctx context.Context, eventType string, payload any, deadline time.Duration) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, eventType)
	err := f.ackErr
	f.mu.Unlock()
	if !f.connected {
		return errs.ErrTransportUnavailable
	}
	return err
}

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// push delivers an inbound frame to registered handlers synchronously.
func (f *fakeRealtime) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	handlers := f.handlers[eventType]
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func okRest() *fakeRest {
	return &fakeRest{
		sendFn: func(receiverID, content string) (store.Message, error) {
			return store.Message{
				ID:             "srv-1",
				ConversationID: receiverID,
				SenderID:       "me",
				ReceiverID:     receiverID,
				Content:        content,
				Timestamp:      time.Now().UTC(),
				Delivery:       store.Delivered,
			}, nil
		},
		messages: make(map[string][]store.Message),
	}
}

func newTestEngine(t *testing.T, rest RestClient, rt Realtime) (*Engine, *store.Store, *bus.Bus) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	st := store.New()
	st.SetLocalUser("me")
	resolver := session.NewResolver("test")
	resolver.Set(session.Identity{UserID: "me", Username: "tester"})
	b := bus.New()

	e := NewEngine(st, rest, rt, nil, resolver, b, zap.NewNop(),
		30*time.Millisecond, 300*time.Millisecond, 25*time.Millisecond)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, st, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendHappyPath(t *testing.T) {
	rest := okRest()
	orig := rest.sendFn
	rest.sendFn = func(receiverID, content string) (store.Message, error) {
		// Hold the authoritative send briefly so the provisional window
		// is observable.
		time.Sleep(50 * time.Millisecond)
		return orig(receiverID, content)
	}
	rt := newFakeRealtime(true)
	e, st, _ := newTestEngine(t, rest, rt)

	tempID, err := e.Send(context.Background(), "u2", "hi")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if tempID == "" {
		t.Fatal("Send() returned empty temp id")
	}

	// The provisional is visible immediately.
	msgs := st.MessagesFor("u2")
	if len(msgs) != 1 || msgs[0].Delivery != store.Pending {
		t.Fatalf("provisional not visible: %v", msgs)
	}

	waitFor(t, func() bool {
		msgs := st.MessagesFor("u2")
		return len(msgs) == 1 && msgs[0].ID == "srv-1" && msgs[0].Delivery == store.Delivered
	}, "message never reached DELIVERED with the authoritative id")

	if st.PendingCount() != 0 {
		t.Error("pending set not empty after delivery")
	}
	conv, _ := st.Conversation("u2")
	if conv.Preview != "hi" {
		t.Errorf("preview = %q, want hi", conv.Preview)
	}
}

func TestSendUnauthenticated(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	st := store.New()
	resolver := session.NewResolver("test") // no identity anywhere
	e := NewEngine(st, okRest(), newFakeRealtime(true), nil, resolver, bus.New(), zap.NewNop(),
		30*time.Millisecond, 300*time.Millisecond, 25*time.Millisecond)

	if _, err := e.Send(context.Background(), "u2", "hi"); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
	if len(st.MessagesFor("u2")) != 0 {
		t.Error("no provisional may be inserted for an unauthenticated send")
	}
}

func TestSendRestDownRealtimeAcks(t *testing.T) {
	rest := okRest()
	rest.sendFn = func(string, string) (store.Message, error) {
		return store.Message{}, errors.New("server unreachable")
	}
	rt := newFakeRealtime(true)
	e, st, _ := newTestEngine(t, rest, rt)

	tempID, err := e.Send(context.Background(), "u2", "hi")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		msgs := st.MessagesFor("u2")
		return len(msgs) == 1 && msgs[0].Delivery == store.Delivered
	}, "acked realtime delivery never reached DELIVERED")

	if st.IsPending(tempID) {
		t.Error("temp id still pending")
	}
	if rest.fallbacks() != 0 {
		t.Error("fallback used although the realtime emit was acknowledged")
	}
}

func TestSendRealtimeDownFallbackDelivers(t *testing.T) {
	// REST persist fails and the realtime channel is down; the HTTP
	// fallback carries the delivery.
	rest := okRest()
	rest.sendFn = func(string, string) (store.Message, error) {
		return store.Message{}, errors.New("server unreachable")
	}
	rt := newFakeRealtime(false)
	e, st, _ := newTestEngine(t, rest, rt)

	if _, err := e.Send(context.Background(), "u2", "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		msgs := st.MessagesFor("u2")
		return len(msgs) == 1 && msgs[0].Delivery == store.Delivered
	}, "fallback delivery never reached DELIVERED")

	if rest.fallbacks() != 1 {
		t.Errorf("fallback calls = %d, want 1", rest.fallbacks())
	}
	conv, _ := st.Conversation("u2")
	if conv.Preview != "hi" {
		t.Errorf("preview = %q, want hi", conv.Preview)
	}
}

func TestSendAllPathsExhausted(t *testing.T) {
	rest := okRest()
	rest.sendFn = func(string, string) (store.Message, error) {
		return store.Message{}, errors.New("server unreachable")
	}
	rest.fallbackErr = errs.ErrFallbackFailed
	rt := newFakeRealtime(false)
	e, st, b := newTestEngine(t, rest, rt)

	events, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	if _, err := e.Send(context.Background(), "u2", "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		msgs := st.MessagesFor("u2")
		return len(msgs) == 1 && msgs[0].Delivery == store.Failed
	}, "message never reached FAILED with every path down")

	waitFor(t, func() bool {
		for len(events) > 0 {
			if evt := <-events; evt.Kind == bus.KindSendFailed {
				return true
			}
		}
		return false
	}, "send_failed event never published")
}

func TestWatchdogForcesTerminalState(t *testing.T) {
	release := make(chan struct{})
	rest := okRest()
	rest.sendFn = func(string, string) (store.Message, error) {
		<-release
		return store.Message{}, errors.New("too late")
	}
	rest.fallbackErr = errs.ErrFallbackFailed
	t.Cleanup(func() { close(release) })

	e, st, _ := newTestEngine(t, rest, newFakeRealtime(false))

	if _, err := e.Send(context.Background(), "u2", "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		msgs := st.MessagesFor("u2")
		return len(msgs) == 1 && msgs[0].Delivery == store.Failed
	}, "watchdog never forced the stuck send out of PENDING")

	if st.PendingCount() != 0 {
		t.Error("pending set not empty after watchdog")
	}
}

func TestInboundPushMergesAndDedups(t *testing.T) {
	rt := newFakeRealtime(true)
	_, st, _ := newTestEngine(t, okRest(), rt)

	payload := map[string]any{
		"_id":      "m1",
		"content":  "hello",
		"senderId": "u2",
	}
	rt.push(t, "receive_message", payload)
	rt.push(t, "receive_message", payload)

	if msgs := st.MessagesFor("u2"); len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 after duplicate push", len(msgs))
	}
	conv, _ := st.Conversation("u2")
	if !conv.HasUnread {
		t.Error("realtime push did not mark unread")
	}
	if conv.Preview != "hello" {
		t.Errorf("preview = %q, want hello", conv.Preview)
	}
}

func TestDeliveryPushResolvesPending(t *testing.T) {
	rt := newFakeRealtime(true)
	_, st, b := newTestEngine(t, okRest(), rt)

	events, unsub := b.Subscribe("chat.message_delivered", 16)
	defer unsub()

	st.ApplyOutboundProvisional(store.Message{
		TempID: "temp-abc", ConversationID: "u2", SenderID: "me",
		ReceiverID: "u2", Content: "hi", Timestamp: time.Now(),
	})

	rt.push(t, "message_delivered", map[string]any{"messageId": "temp-abc"})

	msgs := st.MessagesFor("u2")
	if len(msgs) != 1 || msgs[0].Delivery != store.Delivered {
		t.Fatalf("delivery push did not resolve: %v", msgs)
	}

	select {
	case evt := <-events:
		notice := evt.Payload.(bus.DeliveryNotice)
		if !notice.Delivered || notice.Identity != "temp-abc" {
			t.Errorf("notice = %+v", notice)
		}
	case <-time.After(time.Second):
		t.Fatal("delivered event never published")
	}
}

func TestTypingFlagResets(t *testing.T) {
	rt := newFakeRealtime(true)
	_, st, _ := newTestEngine(t, okRest(), rt)

	rt.push(t, "user_typing", map[string]any{"userId": "u2", "isTyping": true})
	if !st.IsTyping("u2") {
		t.Fatal("typing flag not set")
	}

	waitFor(t, func() bool { return !st.IsTyping("u2") },
		"typing flag never reset without renewal")
}

func TestTypingStopCancelsReset(t *testing.T) {
	rt := newFakeRealtime(true)
	_, st, _ := newTestEngine(t, okRest(), rt)

	rt.push(t, "user_typing", map[string]any{"userId": "u2", "isTyping": true})
	rt.push(t, "user_typing", map[string]any{"userId": "u2", "isTyping": false})
	if st.IsTyping("u2") {
		t.Error("explicit stop did not clear the flag")
	}
}

func TestBootstrapLoadsConversations(t *testing.T) {
	rest := okRest()
	rest.conversations = []store.Conversation{
		{UserID: "u2", Name: "Alice", Preview: "hey"},
		{UserID: "u3", Name: "Bob"},
	}
	e, st, b := newTestEngine(t, rest, newFakeRealtime(true))

	events, unsub := b.Subscribe("chat.conversations_loaded", 4)
	defer unsub()

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(st.Conversations()); got != 2 {
		t.Errorf("conversations = %d, want 2", got)
	}
	select {
	case evt := <-events:
		if evt.Payload.(int) != 2 {
			t.Errorf("payload = %v, want 2", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("conversations_loaded never published")
	}
}

func TestInitialConversationsPush(t *testing.T) {
	rt := newFakeRealtime(true)
	_, st, _ := newTestEngine(t, okRest(), rt)

	rt.push(t, "initial_conversations", map[string]any{
		"chatList": []map[string]any{
			{"userId": "u2", "fullName": "Alice", "lastMessage": "hey"},
		},
	})

	conv, ok := st.Conversation("u2")
	if !ok || conv.Name != "Alice" {
		t.Errorf("conversation = %+v, ok = %v", conv, ok)
	}
}

func TestOpenConversationFetchesHistory(t *testing.T) {
	rest := okRest()
	rest.messages["u2"] = []store.Message{
		{ID: "m1", ConversationID: "u2", SenderID: "u2", Content: "old", Timestamp: time.Now().Add(-time.Hour), Delivery: store.Delivered},
	}
	e, st, _ := newTestEngine(t, rest, newFakeRealtime(true))

	if err := e.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatal(err)
	}
	if st.OpenConversation() != "u2" {
		t.Error("open conversation not recorded")
	}
	if msgs := st.MessagesFor("u2"); len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("history not merged: %v", msgs)
	}
}

func TestReconnectTriggersRefresh(t *testing.T) {
	rest := okRest()
	rest.conversations = []store.Conversation{{UserID: "u2", Name: "Alice"}}
	rt := newFakeRealtime(true)
	_, st, b := newTestEngine(t, rest, rt)

	b.Publish(bus.Event{Kind: bus.KindReconnected, Timestamp: time.Now()})

	waitFor(t, func() bool { return len(st.Conversations()) == 1 },
		"reconnect did not refresh the conversation list")
}

func TestResendFailed(t *testing.T) {
	rest := okRest()
	calls := 0
	var mu sync.Mutex
	orig := rest.sendFn
	rest.sendFn = func(receiverID, content string) (store.Message, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return store.Message{}, errors.New("down")
		}
		return orig(receiverID, content)
	}
	rest.fallbackErr = errs.ErrFallbackFailed
	e, st, _ := newTestEngine(t, rest, newFakeRealtime(false))

	tempID, err := e.Send(context.Background(), "u2", "try again")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs := st.MessagesFor("u2")
		return len(msgs) == 1 && msgs[0].Delivery == store.Failed
	}, "first send never failed")

	rest.mu.Lock()
	rest.fallbackErr = nil
	rest.mu.Unlock()
	retryID, err := e.ResendFailed(context.Background(), "u2", tempID)
	if err != nil {
		t.Fatalf("ResendFailed() error = %v", err)
	}
	if retryID == tempID {
		t.Error("retry reused the failed identity")
	}

	waitFor(t, func() bool {
		for _, m := range st.MessagesFor("u2") {
			if m.ID == "srv-1" && m.Delivery == store.Delivered {
				return true
			}
		}
		return false
	}, "retry never delivered")
}
