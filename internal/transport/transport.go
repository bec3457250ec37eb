// Package transport maintains the realtime websocket channel to the
// chat server. It owns exactly one connection per daemon, dispatches
// inbound pushes to registered handlers, and correlates emit
// acknowledgments by request id. Delivery semantics live in the sync
// engine; this layer only moves envelopes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/matheus3301/pigeon/internal/bus"
	"github.com/matheus3301/pigeon/internal/errs"
	"github.com/matheus3301/pigeon/internal/session"
	"github.com/matheus3301/pigeon/internal/status"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

type command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type ackPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
}

// Handler receives the raw payload of one inbound push.
type Handler func(payload json.RawMessage)

// Adapter is the websocket transport. All exported methods are safe
// for concurrent use.
type Adapter struct {
	serverURL string
	resolver  *session.Resolver
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	reconnectDelay  time.Duration
	reconnectBudget int

	mu               sync.Mutex
	conn             *websocket.Conn
	cancel           context.CancelFunc
	intentionalClose bool
	wasConnected     bool
	reqCounter       int64

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	pendingMu   sync.Mutex
	pendingAcks map[string]chan ackPayload
}

func NewAdapter(serverURL string, resolver *session.Resolver, machine *status.Machine, b *bus.Bus, logger *zap.Logger, reconnectDelay time.Duration, reconnectBudget int) *Adapter {
	return &Adapter{
		serverURL:       strings.TrimRight(serverURL, "/"),
		resolver:        resolver,
		machine:         machine,
		bus:             b,
		logger:          logger.Named("transport"),
		reconnectDelay:  reconnectDelay,
		reconnectBudget: reconnectBudget,
		handlers:        make(map[string][]Handler),
		pendingAcks:     make(map[string]chan ackPayload),
	}
}

// On registers a handler for an inbound push type. Registration must
// happen before Connect; handlers run on their own goroutines.
func (a *Adapter) On(eventType string, h Handler) {
	a.handlersMu.Lock()
	a.handlers[eventType] = append(a.handlers[eventType], h)
	a.handlersMu.Unlock()
}

// Connected reports whether the channel is currently usable for emits.
func (a *Adapter) Connected() bool {
	return a.machine.Current() == status.Connected
}

// Connect dials the server and authenticates. On dial failure the
// bounded retry loop is scheduled in the background, so a returned
// error does not mean the adapter gave up.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.intentionalClose = false
	// One live connection per adapter: a redial replaces the old one.
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	old := a.conn
	a.conn = nil
	a.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "replaced")
	}

	// No live connection exists past this point; the machine must not
	// report Connected while the re-dial is in flight.
	a.transition(status.Disconnected)

	if err := a.dial(ctx); err != nil {
		a.transition(status.Reconnecting)
		go a.reconnectLoop(ctx)
		return err
	}
	return nil
}

// Close tears the connection down for good. No reconnect follows.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.intentionalClose = true
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	a.failPendingAcks("connection closed")
	a.transition(status.Disconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "daemon shutdown")
	}
	return nil
}

// Emit sends a fire-and-forget event.
func (a *Adapter) Emit(ctx context.Context, eventType string, payload any) error {
	return a.write(ctx, &command{Type: eventType, Payload: payload})
}

// EmitWithAck sends an event and waits for the server's acknowledgment
// up to the deadline. A missing or late ack yields ErrAckTimeout; an
// ack carrying success=false yields the server's error.
func (a *Adapter) EmitWithAck(ctx context.Context, eventType string, payload any, deadline time.Duration) error {
	a.mu.Lock()
	a.reqCounter++
	requestID := fmt.Sprintf("req-%d", a.reqCounter)
	a.mu.Unlock()

	ch := make(chan ackPayload, 1)
	a.pendingMu.Lock()
	a.pendingAcks[requestID] = ch
	a.pendingMu.Unlock()

	err := a.write(ctx, &command{Type: eventType, Payload: payload, RequestID: requestID})
	if err != nil {
		a.dropPendingAck(requestID)
		return err
	}

	select {
	case ack := <-ch:
		if !ack.Success {
			if ack.Error != "" {
				return fmt.Errorf("server rejected %s: %s", eventType, ack.Error)
			}
			return fmt.Errorf("server rejected %s", eventType)
		}
		return nil
	case <-time.After(deadline):
		a.dropPendingAck(requestID)
		return errs.ErrAckTimeout
	case <-ctx.Done():
		a.dropPendingAck(requestID)
		return ctx.Err()
	}
}

func (a *Adapter) write(ctx context.Context, cmd *command) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return errs.ErrTransportUnavailable
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportUnavailable, err)
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) error {
	a.transition(status.Connecting)

	wsURL := strings.Replace(a.serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + a.resolver.Token()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", errs.ErrTransportUnavailable, err)
	}

	if err := a.authenticate(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.conn = conn
	a.cancel = cancel
	reconnected := a.wasConnected
	a.wasConnected = true
	a.mu.Unlock()

	a.transition(status.Connected)
	if reconnected {
		a.bus.Publish(bus.Event{Kind: bus.KindReconnected, Timestamp: time.Now()})
	}

	go a.readLoop(connCtx, conn)
	return nil
}

// authenticate binds the connection to the local user. The server
// routes receive_message pushes by this registration.
func (a *Adapter) authenticate(ctx context.Context, conn *websocket.Conn) error {
	identity, ok := a.resolver.Resolve()
	if !ok {
		return errs.ErrUnauthenticated
	}

	cmd := &command{
		Type: "authenticate",
		Payload: map[string]string{
			"userId":   identity.UserID,
			"username": identity.Username,
		},
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: authenticate: %v", errs.ErrTransportUnavailable, err)
	}

	a.logger.Info("authenticated realtime channel", zap.String("user_id", identity.UserID))
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			owned := a.conn == conn
			intentional := a.intentionalClose
			if owned {
				a.conn = nil
			}
			a.mu.Unlock()

			// A loop whose connection was already replaced or torn down
			// must not trigger another reconnect.
			if !owned || intentional {
				return
			}

			a.failPendingAcks("connection lost")

			a.logger.Warn("realtime channel dropped", zap.Error(err))
			a.transition(status.Reconnecting)
			a.reconnectLoop(ctx)
			return
		}

		var env Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			a.logger.Debug("discarding unparseable frame", zap.Error(jsonErr))
			continue
		}

		if env.Type == "ack" {
			a.resolveAck(env.Payload)
			continue
		}

		a.dispatch(env)
	}
}

func (a *Adapter) dispatch(env Envelope) {
	a.handlersMu.RLock()
	handlers := a.handlers[env.Type]
	a.handlersMu.RUnlock()

	for _, h := range handlers {
		handler := h
		go handler(env.Payload)
	}
}

func (a *Adapter) resolveAck(payload json.RawMessage) {
	var ack ackPayload
	if json.Unmarshal(payload, &ack) != nil || ack.RequestID == "" {
		return
	}

	a.pendingMu.Lock()
	ch, ok := a.pendingAcks[ack.RequestID]
	if ok {
		delete(a.pendingAcks, ack.RequestID)
	}
	a.pendingMu.Unlock()

	if ok {
		ch <- ack
	}
}

// reconnectLoop retries with a fixed delay until the budget runs out,
// then parks the adapter in the degraded state. The budget covers one
// outage; a later successful dial resets it.
func (a *Adapter) reconnectLoop(ctx context.Context) {
	for attempt := 1; attempt <= a.reconnectBudget; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.reconnectDelay):
		}

		a.mu.Lock()
		intentional := a.intentionalClose
		a.mu.Unlock()
		if intentional {
			return
		}

		a.logger.Info("reconnecting realtime channel",
			zap.Int("attempt", attempt),
			zap.Int("budget", a.reconnectBudget))

		if err := a.dial(ctx); err == nil {
			return
		} else {
			a.logger.Warn("reconnect attempt failed", zap.Error(err))
			a.transition(status.Reconnecting)
		}
	}

	a.logger.Error("reconnect budget exhausted, entering degraded mode")
	a.transition(status.Degraded)
	a.bus.Publish(bus.Event{Kind: bus.KindDegraded, Timestamp: time.Now()})
}

func (a *Adapter) transition(to status.State) {
	if a.machine.Current() == to {
		return
	}
	if err := a.machine.Transition(to); err != nil {
		a.logger.Debug("skipping status transition", zap.Error(err))
	}
}

func (a *Adapter) dropPendingAck(requestID string) {
	a.pendingMu.Lock()
	delete(a.pendingAcks, requestID)
	a.pendingMu.Unlock()
}

func (a *Adapter) failPendingAcks(reason string) {
	a.pendingMu.Lock()
	for id, ch := range a.pendingAcks {
		ch <- ackPayload{RequestID: id, Success: false, Error: reason}
		delete(a.pendingAcks, id)
	}
	a.pendingMu.Unlock()
}
