// Package supportchat is the messaging layer of the shop: general support
// chat between shoppers and staff, and per-order chat scoped to a purchase.
//
// It reconciles REST history with a live socket feed, tracks presence and
// typing, and uploads image/video attachments.
//
// Example:
//
//	creds := supportchat.StaticToken(token)
//	client := supportchat.NewClient(creds, supportchat.WithBaseURL("https://shop.example"))
//
//	session := supportchat.NewSession(client, supportchat.SessionConfig{Identity: me})
//	if err := session.Start(ctx); err != nil { ... }
//	defer session.Close()
//
//	store, _ := session.Open(supportchat.ConversationScope("c-1"))
//	store.LoadHistory(ctx)
//	store.Send(ctx, "Hola")
package supportchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client calls the chat server's REST endpoints.
type Client struct {
	baseURL     string
	origin      string
	credentials CredentialProvider
	httpClient  *http.Client
	logger      zerolog.Logger

	Chat      *ChatClient
	OrderChat *OrderChatClient
}

type ClientOption func(*Client)

// WithBaseURL sets the API base URL, e.g. "https://shop.example/api".
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithOrigin sets the server origin that relative attachment URLs are
// resolved against. Defaults to the scheme and host of the base URL.
func WithOrigin(origin string) ClientOption {
	return func(c *Client) { c.origin = strings.TrimRight(origin, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a chat client authenticated by credentials.
func NewClient(credentials CredentialProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		credentials: credentials,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.origin == "" {
		c.origin = originOf(c.baseURL)
	}

	c.Chat = &ChatClient{c: c}
	c.OrderChat = &OrderChatClient{c: c}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Origin returns the origin used to resolve attachment URLs.
func (c *Client) Origin() string {
	return c.origin
}

// Logger returns the client's logger; components of a session share it.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

func originOf(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Scheme + "://" + u.Host
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.credentials == nil {
		return nil
	}
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

// send authorizes and executes req, then decodes the envelope into out.
func (c *Client) send(req *http.Request, out interface{}) error {
	if err := c.authorize(req.Context(), req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("request failed")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("chat api call")

	return decodeEnvelope(resp.StatusCode, data, out)
}

// decodeEnvelope unwraps {success, data, error}. Bodies without the
// envelope are decoded directly.
func decodeEnvelope(status int, data []byte, out interface{}) error {
	var env apiEnvelope
	if len(bytes.TrimSpace(data)) > 0 && bytes.TrimSpace(data)[0] == '{' {
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	failed := status >= 300 || (env.Success != nil && !*env.Success)
	if failed {
		msg := string(env.Error)
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{Status: status, Message: msg}
	}

	if out == nil {
		return nil
	}
	payload := data
	if env.Success != nil {
		payload = env.Data
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) toMessages(scope Scope, raw []wireMessage) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, w := range raw {
		m := w.toMessage(scope, c.origin)
		if err := m.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("scope", scope.Key()).Str("id", m.ID).Msg("dropping empty message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// ============================================================================
// Scope dispatch
// ============================================================================

// History fetches the authoritative message list of a scope.
func (c *Client) History(ctx context.Context, scope Scope) ([]Message, error) {
	switch scope.Kind {
	case ScopeConversation:
		return c.Chat.Messages(ctx, scope.ID)
	case ScopeOrder:
		return c.OrderChat.Messages(ctx, scope.ID)
	}
	return nil, ErrUnsupportedScope
}

// SendMessage persists a message through the scope's REST endpoint.
func (c *Client) SendMessage(ctx context.Context, m Message) (*Message, error) {
	switch m.Scope.Kind {
	case ScopeConversation:
		return c.Chat.Send(ctx, NewOutboundMessage(m))
	case ScopeOrder:
		return c.OrderChat.Send(ctx, m.Scope.ID, NewOutboundMessage(m))
	}
	return nil, ErrUnsupportedScope
}

// Delete removes a scope on the server.
func (c *Client) Delete(ctx context.Context, scope Scope) error {
	switch scope.Kind {
	case ScopeConversation:
		return c.Chat.Delete(ctx, scope.ID)
	case ScopeOrder:
		return c.OrderChat.Delete(ctx, scope.ID)
	}
	return ErrUnsupportedScope
}

// ============================================================================
// Support chat endpoints
// ============================================================================

// ChatClient covers the /chat endpoints.
type ChatClient struct{ c *Client }

// CreateConversationOptions identifies the shopper opening a conversation.
type CreateConversationOptions struct {
	ParticipantID    string `json:"userId"`
	ParticipantName  string `json:"userName"`
	ParticipantEmail string `json:"userEmail,omitempty"`
}

// Create creates the shopper's conversation or returns the existing one.
func (ch *ChatClient) Create(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	var conv Conversation
	if err := ch.c.doRequest(ctx, http.MethodPost, "/chat/conversations", opts, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// List returns the conversations visible to the caller.
func (ch *ChatClient) List(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := ch.c.doRequest(ctx, http.MethodGet, "/chat/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Messages returns the stored history of a conversation.
func (ch *ChatClient) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var raw []wireMessage
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := ch.c.doRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return ch.c.toMessages(ConversationScope(conversationID), raw), nil
}

// MarkRead clears the caller's unread counter for a conversation.
func (ch *ChatClient) MarkRead(ctx context.Context, conversationID string) error {
	return ch.c.doRequest(ctx, http.MethodPut, "/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// SetStatus moves a conversation to open, resolved or closed.
func (ch *ChatClient) SetStatus(ctx context.Context, conversationID string, status ConversationStatus) error {
	return ch.c.doRequest(ctx, http.MethodPut, "/chat/conversations/"+url.PathEscape(conversationID)+"/status",
		map[string]string{"status": string(status)}, nil)
}

// Delete removes a conversation.
func (ch *ChatClient) Delete(ctx context.Context, conversationID string) error {
	return ch.c.doRequest(ctx, http.MethodDelete, "/chat/"+url.PathEscape(conversationID), nil, nil)
}

// Send persists a message in a conversation.
func (ch *ChatClient) Send(ctx context.Context, msg OutboundMessage) (*Message, error) {
	var raw wireMessage
	if err := ch.c.doRequest(ctx, http.MethodPost, "/chat/messages", msg, &raw); err != nil {
		return nil, err
	}
	m := raw.toMessage(ConversationScope(msg.ConversationID), ch.c.origin)
	return &m, nil
}

// ============================================================================
// Order chat endpoints
// ============================================================================

// OrderChatClient covers the /order-chat endpoints.
type OrderChatClient struct{ c *Client }

// List returns the order chats visible to the caller, including inactive ones.
func (oc *OrderChatClient) List(ctx context.Context) ([]OrderChat, error) {
	var chats []OrderChat
	if err := oc.c.doRequest(ctx, http.MethodGet, "/order-chat", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// orderChatHistory is returned either as a bare message array or wrapped
// together with the order's chat metadata.
type orderChatHistory struct {
	Messages []wireMessage
}

func (h *orderChatHistory) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &h.Messages)
	}
	var wrapped struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	h.Messages = wrapped.Messages
	return nil
}

// Messages returns the stored history of an order chat.
func (oc *OrderChatClient) Messages(ctx context.Context, orderID string) ([]Message, error) {
	var hist orderChatHistory
	if err := oc.c.doRequest(ctx, http.MethodGet, "/order-chat/"+url.PathEscape(orderID), nil, &hist); err != nil {
		return nil, err
	}
	return oc.c.toMessages(OrderScope(orderID), hist.Messages), nil
}

// Send persists a message in an order chat.
func (oc *OrderChatClient) Send(ctx context.Context, orderID string, msg OutboundMessage) (*Message, error) {
	var raw wireMessage
	if err := oc.c.doRequest(ctx, http.MethodPost, "/order-chat/"+url.PathEscape(orderID)+"/message", msg, &raw); err != nil {
		return nil, err
	}
	m := raw.toMessage(OrderScope(orderID), oc.c.origin)
	return &m, nil
}

// Delete marks an order chat as deleted.
func (oc *OrderChatClient) Delete(ctx context.Context, orderID string) error {
	return oc.c.doRequest(ctx, http.MethodDelete, "/order-chat/"+url.PathEscape(orderID), nil, nil)
}
