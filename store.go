package supportchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SendMode selects the path an outbound message takes to the server.
type SendMode string

const (
	// SendREST persists through the REST endpoint; the server broadcasts the
	// echo and the response confirms the pending entry.
	SendREST SendMode = "rest"
	// SendSocket emits message:send and waits for the echo. Order chats and
	// a disconnected socket fall back to REST.
	SendSocket SendMode = "socket"
)

// DefaultTypingInterval is the minimum spacing between typing:start emits.
const DefaultTypingInterval = time.Second

// StoreOptions configures a ConversationStore.
type StoreOptions struct {
	Identity       Identity
	SendMode       SendMode
	DedupTolerance time.Duration
	TypingInterval time.Duration
}

// StoreEventKind names what changed in a store.
type StoreEventKind string

const (
	StoreHistoryLoaded    StoreEventKind = "history"
	StoreMessageAdded     StoreEventKind = "added"
	StoreMessageConfirmed StoreEventKind = "confirmed"
	StoreMessageUpdated   StoreEventKind = "updated"
	StoreRead             StoreEventKind = "read"
	StoreStatusChanged    StoreEventKind = "status"
	StoreCleared          StoreEventKind = "cleared"
	StoreClosed           StoreEventKind = "closed"
)

// StoreEvent is delivered to OnMessage handlers after every change.
type StoreEvent struct {
	Scope   Scope
	Kind    StoreEventKind
	Message *Message
	Unread  int
	Status  ConversationStatus
	// AutoScroll is false only for the first history load of the store.
	AutoScroll bool
}

// ConversationStore owns the timeline, unread counter and status of one
// scope. It subscribes to the shared transport for that scope only.
type ConversationStore struct {
	scope     Scope
	identity  Identity
	mode      SendMode
	client    *Client
	transport *RealtimeTransport
	uploads   *AttachmentPipeline
	timeline  *Timeline
	limiter   *rate.Limiter
	logger    zerolog.Logger

	mu         sync.Mutex
	unread     int
	reads      uint64
	status     ConversationStatus
	loading    int
	loadedOnce bool
	typing     bool
	closed     bool

	events *emitter[func(StoreEvent)]
	offs   []func()
}

// NewConversationStore creates a store for scope. transport may be nil for
// REST-only use; otherwise the store holds a reference on it until Close.
func NewConversationStore(client *Client, transport *RealtimeTransport, scope Scope, opts StoreOptions) *ConversationStore {
	if opts.SendMode == "" {
		opts.SendMode = SendREST
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}

	s := &ConversationStore{
		scope:     scope,
		identity:  opts.Identity,
		mode:      opts.SendMode,
		client:    client,
		transport: transport,
		uploads:   NewAttachmentPipeline(client),
		timeline:  NewTimeline(scope, opts.DedupTolerance),
		limiter:   rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		logger:    client.logger.With().Str("component", "store").Str("scope", scope.Key()).Logger(),
		status:    StatusOpen,
		events:    newEmitter[func(StoreEvent)](),
	}

	if transport != nil {
		transport.Acquire()
		s.offs = append(s.offs,
			transport.Subscribe(scope, func(m Message) { s.ingest(m, true) }),
			transport.OnReconnect(s.refetch),
		)
	}
	return s
}

// Scope returns the scope of the store.
func (s *ConversationStore) Scope() Scope {
	return s.scope
}

// OnMessage registers h for every store event and returns a func that
// removes it.
func (s *ConversationStore) OnMessage(h func(StoreEvent)) func() {
	return s.events.on("", h)
}

// Messages returns the ordered timeline.
func (s *ConversationStore) Messages() []Message {
	return s.timeline.Messages()
}

// Unread returns the number of unread inbound messages.
func (s *ConversationStore) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Status returns the conversation status. Order chats are always open.
func (s *ConversationStore) Status() ConversationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Loading reports whether a history fetch or upload is in flight.
func (s *ConversationStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading > 0
}

// seed sets the counters known from the directory listing before the
// store is first used.
func (s *ConversationStore) seed(unread int, status ConversationStatus) {
	s.mu.Lock()
	s.unread = unread
	if status.Valid() {
		s.status = status
	}
	s.mu.Unlock()
}

// readState returns the unread counter together with the number of
// successful MarkRead calls so far.
func (s *ConversationStore) readState() (int, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread, s.reads
}

// reseed replaces the unread counter with a count reported by the server.
func (s *ConversationStore) reseed(unread int) {
	s.mu.Lock()
	changed := s.unread != unread
	s.unread = unread
	s.mu.Unlock()
	if changed {
		s.emit(StoreEvent{Kind: StoreRead})
	}
}

func (s *ConversationStore) beginLoading() func() {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.loading--
		s.mu.Unlock()
	}
}

func (s *ConversationStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LoadHistory fetches the stored history and merges it into the timeline.
func (s *ConversationStore) LoadHistory(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	done := s.beginLoading()
	history, err := s.client.History(ctx, s.scope)
	done()
	if err != nil {
		s.logger.Error().Err(err).Msg("history fetch failed")
		return fmt.Errorf("load history: %w", err)
	}

	s.timeline.MergeHistory(history)

	s.mu.Lock()
	first := !s.loadedOnce
	s.loadedOnce = true
	s.mu.Unlock()

	s.logger.Debug().Int("messages", len(history)).Bool("initial", first).Msg("history loaded")
	s.emit(StoreEvent{Kind: StoreHistoryLoaded, AutoScroll: !first})
	return nil
}

// refetch reloads history after the transport reconnects.
func (s *ConversationStore) refetch() {
	if s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := s.LoadHistory(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("refetch after reconnect failed")
	}
}

// Send appends an optimistic text message and delivers it. On a delivery
// error the pending entry stays in the timeline and the error is returned.
func (s *ConversationStore) Send(ctx context.Context, text string) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrStoreClosed
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, &ValidationError{Field: "message", Reason: "message is empty", Err: ErrInvalidMessage}
	}
	body := text
	return s.sendPending(ctx, Message{Body: &body})
}

// SendAttachment validates and uploads f, then sends it as an
// attachment-only message. Nothing is inserted if validation or upload fails.
func (s *ConversationStore) SendAttachment(ctx context.Context, f File) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrStoreClosed
	}
	if err := s.uploads.Validate(f); err != nil {
		return Message{}, err
	}

	done := s.beginLoading()
	att, err := s.uploads.Upload(ctx, f, s.scope, SenderMeta{
		SenderID:   s.identity.ParticipantID,
		SenderName: s.identity.DisplayName,
		SenderType: s.identity.SenderType(),
	})
	done()
	if err != nil {
		return Message{}, err
	}
	return s.sendPending(ctx, Message{Attachment: att})
}

func (s *ConversationStore) sendPending(ctx context.Context, m Message) (Message, error) {
	m.SenderID = s.identity.ParticipantID
	m.SenderName = s.identity.DisplayName
	m.SenderType = s.identity.SenderType()
	if err := m.Validate(); err != nil {
		return Message{}, err
	}

	pending := s.timeline.AddPending(m)
	s.emit(StoreEvent{Kind: StoreMessageAdded, Message: &pending, AutoScroll: true})

	if err := s.deliver(ctx, pending); err != nil {
		s.logger.Error().Err(err).Str("client_id", pending.ClientID).Msg("send failed")
		return pending, err
	}
	return pending, nil
}

func (s *ConversationStore) deliver(ctx context.Context, pending Message) error {
	if s.mode == SendSocket && s.transport != nil && s.scope.Kind == ScopeConversation {
		err := s.transport.Emit(ctx, EventMessageSend, NewOutboundMessage(pending))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotConnected) {
			return err
		}
		s.logger.Debug().Msg("socket down, sending over rest")
	}

	confirmed, err := s.client.SendMessage(ctx, pending)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if confirmed != nil && confirmed.ID != "" {
		confirmed.ClientID = pending.ClientID
		confirmed.SenderType = pending.SenderType
		if confirmed.SenderID == "" {
			confirmed.SenderID = pending.SenderID
		}
		s.ingest(*confirmed, false)
	}
	return nil
}

// ingest reconciles a confirmed message. Messages from the other party that
// are new to the timeline count as unread.
func (s *ConversationStore) ingest(m Message, inbound bool) {
	if s.isClosed() {
		return
	}
	outcome := s.timeline.ApplyEcho(m)

	kind := StoreMessageAdded
	switch outcome {
	case OutcomeConfirmed:
		kind = StoreMessageConfirmed
	case OutcomeDuplicate:
		kind = StoreMessageUpdated
	}

	s.mu.Lock()
	if inbound && outcome == OutcomeAppended && m.SenderType != s.identity.SenderType() {
		s.unread++
	}
	s.mu.Unlock()

	s.logger.Debug().Str("outcome", outcome.String()).Str("id", m.ID).Msg("message reconciled")
	s.emit(StoreEvent{Kind: kind, Message: &m, AutoScroll: true})
}

// MarkRead clears the unread counter. It is the only operation that lowers
// it and is idempotent.
func (s *ConversationStore) MarkRead(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if s.scope.Kind == ScopeConversation {
		if err := s.client.Chat.MarkRead(ctx, s.scope.ID); err != nil {
			s.logger.Error().Err(err).Msg("mark read failed")
			return fmt.Errorf("mark read: %w", err)
		}
	}
	s.mu.Lock()
	s.unread = 0
	s.reads++
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreRead})
	return nil
}

// SetStatus changes a support conversation's status. Staff only.
func (s *ConversationStore) SetStatus(ctx context.Context, status ConversationStatus) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if !s.identity.IsStaff() {
		return ErrStaffOnly
	}
	if s.scope.Kind != ScopeConversation {
		return ErrUnsupportedScope
	}
	if !status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status), Err: ErrInvalidMessage}
	}
	if err := s.client.Chat.SetStatus(ctx, s.scope.ID, status); err != nil {
		s.logger.Error().Err(err).Str("status", string(status)).Msg("status change failed")
		return fmt.Errorf("set status: %w", err)
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreStatusChanged})
	return nil
}

// StartTyping emits typing:start, at most once per typing interval.
func (s *ConversationStore) StartTyping(ctx context.Context) error {
	if s.transport == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	s.typing = true
	s.mu.Unlock()
	if !s.limiter.Allow() {
		return nil
	}
	return s.transport.Emit(ctx, EventTypingStart, NewTypingPayload(s.scope, s.identity))
}

// StopTyping emits typing:stop if a start was emitted before.
func (s *ConversationStore) StopTyping(ctx context.Context) error {
	if s.transport == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	was := s.typing
	s.typing = false
	s.mu.Unlock()
	if !was {
		return nil
	}
	return s.transport.Emit(ctx, EventTypingStop, NewTypingPayload(s.scope, s.identity))
}

// Clear empties the timeline and the unread counter.
func (s *ConversationStore) Clear() {
	s.timeline.Clear()
	s.mu.Lock()
	s.unread = 0
	s.mu.Unlock()
	s.emit(StoreEvent{Kind: StoreCleared})
}

// Close unsubscribes the store and releases its transport reference.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if s.transport != nil {
		s.transport.Release()
	}
	s.emit(StoreEvent{Kind: StoreClosed})
	s.events.removeAll()
}

func (s *ConversationStore) emit(ev StoreEvent) {
	ev.Scope = s.scope
	s.mu.Lock()
	ev.Unread = s.unread
	ev.Status = s.status
	s.mu.Unlock()
	for _, h := range s.events.handlers("") {
		safeCall(func() { h(ev) })
	}
}
