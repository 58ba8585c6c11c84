package supportchat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Actors
// ============================================================================

// Role is the kind of actor holding a session.
type Role string

const (
	RoleShopper Role = "shopper"
	RoleStaff   Role = "staff"
)

// SenderType is the wire-level role of a message author.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAdmin SenderType = "admin"
)

// Identity is what an actor announces when its live connection is identified.
type Identity struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Role          Role   `json:"role"`
}

// SenderType maps the actor role onto the sender type used on the wire.
func (i Identity) SenderType() SenderType {
	if i.Role == RoleStaff {
		return SenderAdmin
	}
	return SenderUser
}

// IsStaff reports whether the identity belongs to a staff member.
func (i Identity) IsStaff() bool {
	return i.Role == RoleStaff
}

// ============================================================================
// Scopes
// ============================================================================

// ScopeKind distinguishes support conversations from order chats.
type ScopeKind string

const (
	ScopeConversation ScopeKind = "conversation"
	ScopeOrder        ScopeKind = "order"
)

// Scope identifies one message timeline: a conversation or an order chat.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// ConversationScope returns the scope of a support conversation.
func ConversationScope(id string) Scope {
	return Scope{Kind: ScopeConversation, ID: id}
}

// OrderScope returns the scope of an order chat.
func OrderScope(orderID string) Scope {
	return Scope{Kind: ScopeOrder, ID: orderID}
}

// Key is unique across kinds, so conversation "42" and order "42" never collide.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) String() string {
	return s.Key()
}

// ParseScope parses "conversation:<id>" or "order:<id>".
func ParseScope(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: expected conversation:<id> or order:<id>", raw)
	}
	switch ScopeKind(kind) {
	case ScopeConversation, ScopeOrder:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
}

// ============================================================================
// Conversations and order chats
// ============================================================================

// ConversationStatus is the lifecycle state of a support conversation.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusResolved ConversationStatus = "resolved"
	StatusClosed   ConversationStatus = "closed"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Conversation is a general support conversation between a shopper and staff.
type Conversation struct {
	ID               string             `json:"id"`
	ParticipantID    string             `json:"participantId"`
	ParticipantName  string             `json:"participantName"`
	ParticipantEmail string             `json:"participantEmail,omitempty"`
	Status           ConversationStatus `json:"status"`
	LastMessage      string             `json:"lastMessage,omitempty"`
	LastMessageAt    time.Time          `json:"lastMessageAt"`
	UnreadCount      int                `json:"unreadCount"`
}

// Order statuses that end an order chat's active lifetime.
const (
	OrderStatusRejected  = "rejected"
	OrderStatusCancelled = "cancelled"
)

// OrderChat is the chat attached to one purchase. It has no status of its
// own; it is active while the order is neither rejected nor cancelled and
// the chat has not been deleted.
type OrderChat struct {
	OrderID         string    `json:"orderId"`
	OrderStatus     string    `json:"orderStatus"`
	ChatDeleted     bool      `json:"chatDeleted"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	UnreadCount     int       `json:"unreadCount"`
}

// Active reports whether the chat should still be listed.
func (o OrderChat) Active() bool {
	if o.ChatDeleted {
		return false
	}
	switch strings.ToLower(o.OrderStatus) {
	case OrderStatusRejected, OrderStatusCancelled:
		return false
	}
	return true
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState is the local view of whether the server has echoed a message.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// AttachmentKind is the media class of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment is a durable reference to an uploaded file.
type Attachment struct {
	// URL is resolved against the server origin and safe to render.
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
	// Path is the server-relative reference as returned by the upload endpoint.
	Path string `json:"path,omitempty"`
}

// Message is one entry of a scope's timeline.
type Message struct {
	ID            string        `json:"id,omitempty"`
	ClientID      string        `json:"clientId,omitempty"`
	Scope         Scope         `json:"scope"`
	SenderID      string        `json:"senderId"`
	SenderName    string        `json:"senderName"`
	SenderType    SenderType    `json:"senderType"`
	Body          *string       `json:"body"`
	Attachment    *Attachment   `json:"attachment"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState"`
}

// Validate enforces that a message carries a body or an attachment.
func (m Message) Validate() error {
	if m.Body == nil && m.Attachment == nil {
		return fmt.Errorf("%w: body and attachment are both empty", ErrInvalidMessage)
	}
	return nil
}

// Text returns the body, or an empty string for attachment-only messages.
func (m Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Preview is the one-line summary shown in directory listings.
func (m Message) Preview() string {
	if m.Body != nil {
		return *m.Body
	}
	if m.Attachment != nil {
		return "[" + string(m.Attachment.Kind) + "]"
	}
	return ""
}

// Pending reports whether the message still awaits its echo.
func (m Message) Pending() bool {
	return m.DeliveryState == DeliveryPending
}

// ============================================================================
// Presence
// ============================================================================

// PresenceEntry is the online state of one participant.
type PresenceEntry struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name,omitempty"`
	Online        bool   `json:"online"`
}

// TypingState marks a scope whose counterpart is typing until ExpiresAt.
type TypingState struct {
	Scope     Scope     `json:"scope"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ============================================================================
// API envelope
// ============================================================================

// APIError is returned when the chat server rejects a request.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "api error: " + e.Message
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// apiEnvelope is the {success, data, error} wrapper used by the chat server.
type apiEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   apiErrorField   `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// apiErrorField accepts both "error": "text" and "error": {"message": "text"}.
type apiErrorField string

func (f *apiErrorField) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = apiErrorField(s)
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*f = apiErrorField(obj.Message)
	return nil
}
