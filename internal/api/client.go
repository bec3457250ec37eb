// Package api implements the REST client for the chat server. The
// server is the system of record for messages and conversations; the
// realtime channel only accelerates what these endpoints already
// guarantee.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/pigeon/internal/errs"
	"github.com/matheus3301/pigeon/internal/normalize"
	"github.com/matheus3301/pigeon/internal/store"
)

const DefaultTimeout = 30 * time.Second

// TokenFunc supplies the bearer token for each request. It is called
// per request so credential refreshes take effect without rebuilding
// the client.
type TokenFunc func() string

type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	now        func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, token TokenFunc, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OutboundMessage is the payload shape shared by the realtime
// send_message emit and the HTTP fallback endpoint. The identity is
// carried under both messageId and _id because different server paths
// read different fields.
type OutboundMessage struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	MessageID  string `json:"messageId,omitempty"`
	ID         string `json:"_id,omitempty"`
	TempID     string `json:"tempId"`
	ChatID     string `json:"chatId,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type chatListResponse struct {
	ChatList []normalize.RawConversation `json:"chatList"`
}

type messagesResponse struct {
	Messages []normalize.RawMessage `json:"messages"`
}

type sendResponse struct {
	MessageData normalize.RawMessage `json:"messageData"`
}

// ListConversations fetches the chat list. Entries the server sends
// without a usable user id are skipped rather than failing the whole
// list.
func (c *Client) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chats", nil, nil)
	if err != nil {
		return nil, err
	}

	var resp chatListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat list: %w", err)
	}

	now := c.now()
	conversations := make([]store.Conversation, 0, len(resp.ChatList))
	for _, raw := range resp.ChatList {
		conv, err := normalize.ParseConversation(raw, now)
		if err != nil {
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// ListMessages fetches the full history of one conversation.
func (c *Client) ListMessages(ctx context.Context, userID string) ([]store.Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding messages for %s: %w", userID, err)
	}

	now := c.now()
	messages := make([]store.Message, 0, len(resp.Messages))
	for _, raw := range resp.Messages {
		messages = append(messages, normalize.ParseHistoryMessage(raw, userID, normalize.OriginPoll, now))
	}
	return messages, nil
}

// SendMessage persists a text message on the server and returns the
// authoritative record.
func (c *Client) SendMessage(ctx context.Context, receiverID, content string) (store.Message, error) {
	payload := map[string]string{
		"receiverId":  receiverID,
		"messageType": "text",
		"content":     content,
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", payload, nil)
	if err != nil {
		return store.Message{}, err
	}

	var resp sendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return store.Message{}, fmt.Errorf("decoding send response: %w", err)
	}

	// The persisted record must carry the server-assigned identity; a
	// derived one cannot retire the provisional on other clients.
	if resp.MessageData.ID == "" && resp.MessageData.AltID == "" && resp.MessageData.MessageID == "" {
		return store.Message{}, fmt.Errorf("%w: send response without message id", errs.ErrMalformedEvent)
	}
	return normalize.ParseHistoryMessage(resp.MessageData, receiverID, normalize.OriginPoll, c.now()), nil
}

// FallbackSend re-delivers an already persisted message over HTTP when
// the realtime emit was not acknowledged.
func (c *Client) FallbackSend(ctx context.Context, msg OutboundMessage) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/messages/socket-fallback", msg, nil); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrFallbackFailed, err)
	}
	return nil
}

// SearchUsers looks up users by name or email for starting new
// conversations.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]store.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/search", nil, map[string]string{"q": strings.TrimSpace(query)})
	if err != nil {
		return nil, err
	}

	var users []normalize.RawConversation
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decoding search results: %w", err)
	}

	now := c.now()
	results := make([]store.Conversation, 0, len(users))
	for _, raw := range users {
		conv, err := normalize.ParseConversation(raw, now)
		if err != nil {
			continue
		}
		results = append(results, conv)
	}
	return results, nil
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errs.ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, ae.Message)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	// Proxies answer API routes with HTML error pages; catch that before
	// the caller tries to decode one.
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct != "" && ct != "application/json" {
		return nil, fmt.Errorf("%s %s: response is not JSON (%s)", method, path, ct)
	}

	return data, nil
}
