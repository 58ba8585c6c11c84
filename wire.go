package supportchat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// wireMessage is the shape of a message as the chat server stores and
// broadcasts it. Older stored messages use "sender" instead of "senderType"
// and "timestamp" instead of "createdAt"; both are accepted on read.
type wireMessage struct {
	ID              flexString `json:"id"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
	ConversationID  flexString `json:"conversationId,omitempty"`
	OrderID         flexString `json:"orderId,omitempty"`
	SenderID        flexString `json:"senderId,omitempty"`
	SenderName      string     `json:"senderName,omitempty"`
	SenderType      string     `json:"senderType,omitempty"`
	Sender          string     `json:"sender,omitempty"`
	Message         *string    `json:"message"`
	FileURL         string     `json:"fileUrl,omitempty"`
	FileType        string     `json:"fileType,omitempty"`
	CreatedAt       flexTime   `json:"createdAt"`
	Timestamp       flexTime   `json:"timestamp"`
}

// toMessage normalizes a wire message into a confirmed timeline entry.
func (w wireMessage) toMessage(scope Scope, origin string) Message {
	senderType := w.SenderType
	if senderType == "" {
		senderType = w.Sender
	}
	created := w.CreatedAt.Time
	if created.IsZero() {
		created = w.Timestamp.Time
	}

	m := Message{
		ID:            string(w.ID),
		ClientID:      w.ClientMessageID,
		Scope:         scope,
		SenderID:      string(w.SenderID),
		SenderName:    w.SenderName,
		SenderType:    normalizeSenderType(senderType),
		CreatedAt:     created,
		DeliveryState: DeliveryConfirmed,
	}
	if w.Message != nil && *w.Message != "" {
		body := *w.Message
		m.Body = &body
	}
	if w.FileURL != "" {
		m.Attachment = &Attachment{
			URL:  ResolveURL(origin, w.FileURL),
			Kind: attachmentKindOf(w.FileType, w.FileURL),
			Path: w.FileURL,
		}
	}
	return m
}

func normalizeSenderType(s string) SenderType {
	switch strings.ToLower(s) {
	case "admin", "staff":
		return SenderAdmin
	default:
		return SenderUser
	}
}

// attachmentKindOf accepts "image", "video" or a full MIME type.
func attachmentKindOf(fileType, url string) AttachmentKind {
	ft := strings.ToLower(fileType)
	switch {
	case strings.HasPrefix(ft, "video"):
		return AttachmentVideo
	case strings.HasPrefix(ft, "image"):
		return AttachmentImage
	}
	if kind, ok := allowedAttachmentTypes[DetectContentType(url)]; ok {
		return kind
	}
	return AttachmentImage
}

// OutboundMessage is the body of POST /chat/messages, POST
// /order-chat/{orderId}/message and the message:send socket event.
type OutboundMessage struct {
	ConversationID  string     `json:"conversationId,omitempty"`
	OrderID         string     `json:"orderId,omitempty"`
	SenderID        string     `json:"senderId"`
	SenderName      string     `json:"senderName"`
	SenderType      SenderType `json:"senderType"`
	Message         *string    `json:"message"`
	FileURL         string     `json:"fileUrl,omitempty"`
	FileType        string     `json:"fileType,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
}

// NewOutboundMessage builds the wire body for sending m.
func NewOutboundMessage(m Message) OutboundMessage {
	out := OutboundMessage{
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		SenderType:      m.SenderType,
		Message:         m.Body,
		ClientMessageID: m.ClientID,
	}
	switch m.Scope.Kind {
	case ScopeOrder:
		out.OrderID = m.Scope.ID
	default:
		out.ConversationID = m.Scope.ID
	}
	if m.Attachment != nil {
		out.FileURL = m.Attachment.Path
		if out.FileURL == "" {
			out.FileURL = m.Attachment.URL
		}
		out.FileType = string(m.Attachment.Kind)
	}
	return out
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// flexTime accepts RFC 3339 strings and epoch milliseconds.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return err
		}
		f.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	f.Time = t
	return nil
}
