// Package supportchattest provides an in-memory chat backend speaking the
// REST and socket protocol of the shop's chat server. It backs the package
// tests and the CLI's dev-server command.
package supportchattest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/retailkit/supportchat"
)

// Server is an in-memory chat backend.
type Server struct {
	secret []byte
	logger zerolog.Logger
	hub    *hub
	router chi.Router

	mu              sync.Mutex
	conversations   map[string]*supportchat.Conversation
	orderChats      map[string]*supportchat.OrderChat
	messages        map[string][]*StoredMessage
	uploads         map[string][]byte
	identifications []Identification
	calls           map[string]int
	nextID          int
	failures        map[Op]bool

	suppressEcho   bool
	stripClientIDs bool
	legacyFields   bool
}

// Op names a server operation whose failure can be forced.
type Op string

const (
	OpSend    Op = "send"
	OpDelete  Op = "delete"
	OpUpload  Op = "upload"
	OpHistory Op = "history"
	OpList    Op = "list"
	OpRead    Op = "read"
)

// Option configures a Server.
type Option func(*Server)

// WithSecret sets the HS256 secret used for tokens.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithoutEcho stops the server from broadcasting persisted messages.
func WithoutEcho() Option {
	return func(s *Server) { s.suppressEcho = true }
}

// WithoutClientIDs drops clientMessageId from echoes, like servers that
// predate it.
func WithoutClientIDs() Option {
	return func(s *Server) { s.stripClientIDs = true }
}

// WithLegacyFields encodes messages with "sender" and an epoch millisecond
// "timestamp" instead of "senderType" and "createdAt".
func WithLegacyFields() Option {
	return func(s *Server) { s.legacyFields = true }
}

// StoredMessage is a persisted message.
type StoredMessage struct {
	ID              string
	ClientMessageID string
	ConversationID  string
	OrderID         string
	SenderID        string
	SenderName      string
	SenderType      string
	Message         *string
	FileURL         string
	FileType        string
	CreatedAt       time.Time
}

// New creates a server with empty state.
func New(opts ...Option) *Server {
	s := &Server{
		secret:        []byte("supportchattest-secret"),
		logger:        zerolog.Nop(),
		hub:           newHub(),
		conversations: make(map[string]*supportchat.Conversation),
		orderChats:    make(map[string]*supportchat.OrderChat),
		messages:      make(map[string][]*StoredMessage),
		uploads:       make(map[string][]byte),
		calls:         make(map[string]int),
		failures:      make(map[Op]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// NewHTTPServer starts s on a local httptest listener.
func NewHTTPServer(s *Server) *httptest.Server {
	return httptest.NewServer(s)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countCalls)

	r.Get("/socket", s.handleSocket)
	r.Get("/uploads/{filename}", s.handleServeUpload)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/conversations", s.handleCreateConversation)
			r.Get("/conversations", s.handleListConversations)
			r.Get("/conversations/{id}/messages", s.handleConversationMessages)
			r.Put("/conversations/{id}/read", s.handleMarkRead)
			r.Put("/conversations/{id}/status", s.handleSetStatus)
			r.Post("/messages", s.handleChatMessage)
			r.Post("/{id}/upload", s.handleUpload(supportchat.ScopeConversation))
			r.Delete("/{id}", s.handleDeleteConversation)
		})

		r.Route("/order-chat", func(r chi.Router) {
			r.Get("/", s.handleListOrderChats)
			r.Get("/{orderId}", s.handleOrderMessages)
			r.Post("/{orderId}/message", s.handleOrderMessage)
			r.Post("/{orderId}/upload", s.handleUpload(supportchat.ScopeOrder))
			r.Delete("/{orderId}", s.handleDeleteOrderChat)
		})
	})
	return r
}

// ============================================================================
// Test controls
// ============================================================================

// Token signs a session token for id.
func (s *Server) Token(id supportchat.Identity) string {
	role := "user"
	if id.IsStaff() {
		role = "admin"
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.ParticipantID,
		"name": id.DisplayName,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

// Fail makes op return a server error until reset with Fail(op, false).
func (s *Server) Fail(op Op, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = fail
}

func (s *Server) failing(op Op) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

// AddConversation stores a conversation.
func (s *Server) AddConversation(c supportchat.Conversation) {
	if c.Status == "" {
		c.Status = supportchat.StatusOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = &c
}

// AddOrderChat stores an order chat.
func (s *Server) AddOrderChat(o supportchat.OrderChat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderChats[o.OrderID] = &o
}

// SetOrderStatus changes the status of a stored order.
func (s *Server) SetOrderStatus(orderID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orderChats[orderID]; ok {
		o.OrderStatus = status
	}
}

// ApplyOrderStatus records a webhook event on the stored order. It has the
// supportchat.OrderStatusHandlerFunc signature.
func (s *Server) ApplyOrderStatus(event *supportchat.OrderStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orderChats[event.OrderID]
	if !ok {
		return fmt.Errorf("order %s not found", event.OrderID)
	}
	if event.Status != "" {
		o.OrderStatus = event.Status
	}
	o.ChatDeleted = o.ChatDeleted || event.ChatDeleted
	return nil
}

// AddMessage persists m in scope without broadcasting it and returns its id.
func (s *Server) AddMessage(scope supportchat.Scope, m StoredMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(scope, &m).ID
}

// Messages returns the persisted messages of scope.
func (s *Server) Messages(scope supportchat.Scope) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredMessage, 0, len(s.messages[scope.Key()]))
	for _, m := range s.messages[scope.Key()] {
		out = append(out, *m)
	}
	return out
}

// Broadcast sends an event to every connected socket.
func (s *Server) Broadcast(event string, payload any) {
	s.hub.send(nil, event, payload)
}

// BroadcastMessage sends a persisted message as its scope's echo event.
func (s *Server) BroadcastMessage(scope supportchat.Scope, id string) {
	s.mu.Lock()
	var found *StoredMessage
	for _, m := range s.messages[scope.Key()] {
		if m.ID == id {
			found = m
		}
	}
	s.mu.Unlock()
	if found != nil {
		s.echo(scope, found)
	}
}

// DropConnections closes every socket as if the network failed.
func (s *Server) DropConnections() {
	s.hub.closeAll(4000, "dropped")
}

// Connections returns the number of live sockets.
func (s *Server) Connections() int {
	return len(s.hub.snapshot())
}

// Identifications returns the identify handshakes received so far.
func (s *Server) Identifications() []Identification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Identification(nil), s.identifications...)
}

// Calls returns how many requests matched the route pattern, e.g.
// "POST /chat/{id}/upload".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// ============================================================================
// Middleware
// ============================================================================

type contextKey string

const claimsKey contextKey = "claims"

type tokenClaims struct {
	Subject string
	Name    string
	Staff   bool
}

func (s *Server) parseToken(raw string) (tokenClaims, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return tokenClaims{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, jwt.ErrTokenMalformed
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return tokenClaims{}, errors.New("invalid token subject")
	}
	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)
	return tokenClaims{Subject: sub, Name: name, Staff: role == "admin" || role == "staff"}, nil
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.parseToken(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// countCalls records requests by route pattern once chi has matched them.
func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		pattern = strings.TrimSuffix(pattern, "/")
		if pattern == "" {
			pattern = "/"
		}
		s.mu.Lock()
		s.calls[r.Method+" "+pattern]++
		s.mu.Unlock()
	})
}

// ============================================================================
// Responses
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// ============================================================================
// Messages
// ============================================================================

// persistLocked assigns an id and timestamp and stores m. Callers hold s.mu.
func (s *Server) persistLocked(scope supportchat.Scope, m *StoredMessage) *StoredMessage {
	s.nextID++
	if m.ID == "" {
		m.ID = "m-" + strconv.Itoa(s.nextID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.SenderType == "" {
		m.SenderType = string(supportchat.SenderUser)
	}
	switch scope.Kind {
	case supportchat.ScopeOrder:
		m.OrderID = scope.ID
	default:
		m.ConversationID = scope.ID
	}
	s.messages[scope.Key()] = append(s.messages[scope.Key()], m)
	sort.SliceStable(s.messages[scope.Key()], func(i, j int) bool {
		return s.messages[scope.Key()][i].CreatedAt.Before(s.messages[scope.Key()][j].CreatedAt)
	})

	preview := ""
	if m.Message != nil {
		preview = *m.Message
	} else if m.FileURL != "" {
		preview = "[" + m.FileType + "]"
	}
	inbound := m.SenderType == string(supportchat.SenderUser)
	switch scope.Kind {
	case supportchat.ScopeConversation:
		if c, ok := s.conversations[scope.ID]; ok {
			c.LastMessage = preview
			c.LastMessageAt = m.CreatedAt
			if inbound {
				c.UnreadCount++
			}
		}
	case supportchat.ScopeOrder:
		if o, ok := s.orderChats[scope.ID]; ok {
			o.LastMessage = preview
			o.LastMessageAt = m.CreatedAt
			if inbound {
				o.UnreadCount++
			}
		}
	}
	return m
}

func (s *Server) encode(m *StoredMessage, echo bool) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"message":    m.Message,
	}
	if m.ConversationID != "" {
		out["conversationId"] = m.ConversationID
	}
	if m.OrderID != "" {
		out["orderId"] = m.OrderID
	}
	if m.FileURL != "" {
		out["fileUrl"] = m.FileURL
		out["fileType"] = m.FileType
	}
	if m.ClientMessageID != "" && !(echo && s.stripClientIDs) {
		out["clientMessageId"] = m.ClientMessageID
	}
	if s.legacyFields {
		out["sender"] = m.SenderType
		out["timestamp"] = m.CreatedAt.UnixMilli()
	} else {
		out["senderType"] = m.SenderType
		out["createdAt"] = m.CreatedAt.Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) encodeAll(list []*StoredMessage) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, m := range list {
		out = append(out, s.encode(m, false))
	}
	return out
}

// participantOf returns the shopper owning scope.
func (s *Server) participantOf(scope supportchat.Scope) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope.Kind {
	case supportchat.ScopeConversation:
		if c, ok := s.conversations[scope.ID]; ok {
			return c.ParticipantID
		}
	case supportchat.ScopeOrder:
		if o, ok := s.orderChats[scope.ID]; ok {
			return o.ParticipantID
		}
	}
	return ""
}

// echo broadcasts m to staff and to the shopper owning its scope.
func (s *Server) echo(scope supportchat.Scope, m *StoredMessage) {
	if s.suppressEcho {
		return
	}
	event := supportchat.EventMessageReceived
	if scope.Kind == supportchat.ScopeOrder {
		event = supportchat.EventOrderMessageSent
	}
	owner := s.participantOf(scope)
	s.hub.send(func(c *client) bool {
		userID, _, staff := c.info()
		return staff || (userID != "" && userID == owner)
	}, event, s.encode(m, true))
}

// decodeOutbound reads a message body in the client wire shape.
func decodeOutbound(r io.Reader) (supportchat.OutboundMessage, error) {
	var in supportchat.OutboundMessage
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return in, err
	}
	if (in.Message == nil || *in.Message == "") && in.FileURL == "" {
		return in, errors.New("message or fileUrl is required")
	}
	return in, nil
}

func storedFromOutbound(in supportchat.OutboundMessage) *StoredMessage {
	m := &StoredMessage{
		ClientMessageID: in.ClientMessageID,
		SenderID:        in.SenderID,
		SenderName:      in.SenderName,
		SenderType:      string(in.SenderType),
		FileURL:         in.FileURL,
		FileType:        in.FileType,
	}
	if in.Message != nil && *in.Message != "" {
		body := *in.Message
		m.Message = &body
	}
	return m
}

func (s *Server) saveAndEcho(scope supportchat.Scope, m *StoredMessage) map[string]any {
	s.mu.Lock()
	s.persistLocked(scope, m)
	s.mu.Unlock()
	s.logger.Debug().Str("scope", scope.Key()).Str("id", m.ID).Msg("message stored")
	s.echo(scope, m)
	return s.encode(m, false)
}

// ============================================================================
// Support chat handlers
// ============================================================================

func (s *Server) visibleTo(c tokenClaims, participantID string) bool {
	return c.Staff || participantID == c.Subject
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID    string `json:"userId"`
		UserName  string `json:"userName"`
		UserEmail string `json:"userEmail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	s.mu.Lock()
	for _, c := range s.conversations {
		if c.ParticipantID == in.UserID {
			conv := *c
			s.mu.Unlock()
			writeData(w, conv)
			return
		}
	}
	s.nextID++
	conv := &supportchat.Conversation{
		ID:               "c-" + strconv.Itoa(s.nextID),
		ParticipantID:    in.UserID,
		ParticipantName:  in.UserName,
		ParticipantEmail: in.UserEmail,
		Status:           supportchat.StatusOpen,
		LastMessageAt:    time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	out := *conv
	s.mu.Unlock()
	writeData(w, out)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpList) {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	claims := claimsFrom(r.Context())
	s.mu.Lock()
	out := make([]supportchat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if s.visibleTo(claims, c.ParticipantID) {
			out = append(out, *c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeData(w, out)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpHistory) {
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	scope := supportchat.ConversationScope(chi.URLParam(r, "id"))
	if !s.visibleTo(claimsFrom(r.Context()), s.participantOf(scope)) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	s.mu.Lock()
	out := s.encodeAll(s.messages[scope.Key()])
	s.mu.Unlock()
	writeData(w, out)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpRead) {
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeData(w, map[string]bool{"ok": true})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r.Context()).Staff {
		writeError(w, http.StatusForbidden, "staff only")
		return
	}
	var in struct {
		Status supportchat.ConversationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || !in.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		c.Status = in.Status
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeData(w, map[string]string{"status": string(in.Status)})
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpSend) {
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	in, err := decodeOutbound(r.Body)
	if err != nil || in.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId and message are required")
		return
	}
	writeData(w, s.saveAndEcho(supportchat.ConversationScope(in.ConversationID), storedFromOutbound(in)))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r.Context()).Staff {
		writeError(w, http.StatusForbidden, "staff only")
		return
	}
	if s.failing(OpDelete) {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	delete(s.messages, supportchat.ConversationScope(id).Key())
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeData(w, map[string]bool{"ok": true})
}

// ============================================================================
// Order chat handlers
// ============================================================================

func (s *Server) handleListOrderChats(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpList) {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	claims := claimsFrom(r.Context())
	s.mu.Lock()
	out := make([]supportchat.OrderChat, 0, len(s.orderChats))
	for _, o := range s.orderChats {
		if s.visibleTo(claims, o.ParticipantID) {
			out = append(out, *o)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	writeData(w, out)
}

func (s *Server) handleOrderMessages(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpHistory) {
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	scope := supportchat.OrderScope(chi.URLParam(r, "orderId"))
	if !s.visibleTo(claimsFrom(r.Context()), s.participantOf(scope)) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	s.mu.Lock()
	o, ok := s.orderChats[scope.ID]
	var chat supportchat.OrderChat
	if ok {
		chat = *o
	}
	msgs := s.encodeAll(s.messages[scope.Key()])
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeData(w, map[string]any{"order": chat, "messages": msgs})
}

func (s *Server) handleOrderMessage(w http.ResponseWriter, r *http.Request) {
	if s.failing(OpSend) {
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	orderID := chi.URLParam(r, "orderId")
	in, err := decodeOutbound(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	o, ok := s.orderChats[orderID]
	active := ok && o.Active()
	s.mu.Unlock()
	if !active {
		writeError(w, http.StatusNotFound, "order chat not available")
		return
	}
	writeData(w, s.saveAndEcho(supportchat.OrderScope(orderID), storedFromOutbound(in)))
}

func (s *Server) handleDeleteOrderChat(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r.Context()).Staff {
		writeError(w, http.StatusForbidden, "staff only")
		return
	}
	if s.failing(OpDelete) {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	orderID := chi.URLParam(r, "orderId")
	s.mu.Lock()
	o, ok := s.orderChats[orderID]
	if ok {
		o.ChatDeleted = true
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeData(w, map[string]bool{"ok": true})
}

// ============================================================================
// Uploads
// ============================================================================

var uploadTypes = map[string]string{
	".jpg": "image", ".jpeg": "image", ".png": "image", ".gif": "image", ".webp": "image",
	".mp4": "video", ".mov": "video", ".avi": "video", ".webm": "video",
}

func (s *Server) handleUpload(kind supportchat.ScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.failing(OpUpload) {
			writeError(w, http.StatusInternalServerError, "upload failed")
			return
		}
		if err := r.ParseMultipartForm(supportchat.MaxAttachmentSize + 1<<20); err != nil {
			writeError(w, http.StatusBadRequest, "failed to parse multipart form")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file")
			return
		}
		defer file.Close()

		if header.Size > supportchat.MaxAttachmentSize {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		ext := strings.ToLower(filepath.Ext(header.Filename))
		if _, ok := uploadTypes[ext]; !ok {
			writeError(w, http.StatusBadRequest, "file type not allowed")
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not read file")
			return
		}

		name := uuid.NewString() + ext
		s.mu.Lock()
		s.uploads[name] = data
		s.mu.Unlock()

		s.logger.Debug().
			Str("kind", string(kind)).
			Str("file", header.Filename).
			Str("sender", r.FormValue("sender")).
			Msg("upload stored")

		writeData(w, map[string]any{
			"url":      "/uploads/" + name,
			"filename": header.Filename,
			"size":     len(data),
		})
	}
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if filepath.Base(name) != name {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	data, ok := s.uploads[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", supportchat.DetectContentType(name))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	_, _ = w.Write(data)
}
