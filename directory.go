package supportchat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how often Run refreshes the directory.
const DefaultPollInterval = 10 * time.Second

// DirectoryEntry is one scope as listed in the directory.
type DirectoryEntry struct {
	Scope         Scope              `json:"scope"`
	Title         string             `json:"title"`
	ParticipantID string             `json:"participantId"`
	Status        ConversationStatus `json:"status,omitempty"`
	OrderStatus   string             `json:"orderStatus,omitempty"`
	LastMessage   string             `json:"lastMessage,omitempty"`
	LastMessageAt time.Time          `json:"lastMessageAt"`
	UnreadCount   int                `json:"unreadCount"`

	lastMessageID string
}

// DirectoryFilter narrows Entries. Zero fields match everything.
type DirectoryFilter struct {
	Kind       ScopeKind
	Status     ConversationStatus
	UnreadOnly bool
	// Query matches the title or last message, case-insensitively.
	Query string
}

func (f DirectoryFilter) match(e DirectoryEntry) bool {
	if f.Kind != "" && e.Scope.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.UnreadOnly && e.UnreadCount == 0 {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(e.Title), q) && !strings.Contains(strings.ToLower(e.LastMessage), q) {
			return false
		}
	}
	return true
}

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	Identity     Identity
	PollInterval time.Duration
	// Store is applied to every store opened through the directory.
	Store StoreOptions
}

// Directory lists the scopes visible to one actor and owns the store of
// every scope opened through it. Shoppers see only their own scopes and
// active order chats; staff see every active scope.
type Directory struct {
	client    *Client
	transport *RealtimeTransport
	identity  Identity
	opts      DirectoryOptions
	logger    zerolog.Logger

	mu         sync.Mutex
	entries    map[string]*DirectoryEntry
	stores     map[string]*ConversationStore
	reads      map[string]*readMark
	refreshing bool
	rerun      bool

	changes *emitter[func()]
	offs    []func()
}

// readMark remembers how many reads of an open store the last poll saw.
// Order chats have no read endpoint, so baseline holds the server count
// that was already read locally.
type readMark struct {
	store    *ConversationStore
	seq      uint64
	baseline int
}

// NewDirectory creates an empty directory. transport may be nil, in which
// case previews only change on Refresh.
func NewDirectory(client *Client, transport *RealtimeTransport, opts DirectoryOptions) *Directory {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	opts.Store.Identity = opts.Identity

	d := &Directory{
		client:    client,
		transport: transport,
		identity:  opts.Identity,
		opts:      opts,
		logger:    client.logger.With().Str("component", "directory").Logger(),
		entries:   make(map[string]*DirectoryEntry),
		stores:    make(map[string]*ConversationStore),
		reads:     make(map[string]*readMark),
		changes:   newEmitter[func()](),
	}
	if transport != nil {
		d.offs = append(d.offs, transport.OnMessage(d.handleMessage))
	}
	return d
}

// OnChange registers h to run after the listing changes.
func (d *Directory) OnChange(h func()) func() {
	return d.changes.on("", h)
}

// Refresh fetches conversations and order chats concurrently and replaces
// the listing. On error the listing is left unchanged.
func (d *Directory) Refresh(ctx context.Context) error {
	var (
		convs []Conversation
		chats []OrderChat
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		convs, err = d.client.Chat.List(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		chats, err = d.client.OrderChat.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		d.logger.Error().Err(err).Msg("directory refresh failed")
		return err
	}

	next := make(map[string]*DirectoryEntry, len(convs)+len(chats))
	for _, c := range convs {
		if !d.visibleConversation(c) {
			continue
		}
		e := &DirectoryEntry{
			Scope:         ConversationScope(c.ID),
			Title:         c.ParticipantName,
			ParticipantID: c.ParticipantID,
			Status:        c.Status,
			LastMessage:   c.LastMessage,
			LastMessageAt: c.LastMessageAt,
			UnreadCount:   c.UnreadCount,
		}
		next[e.Scope.Key()] = e
	}
	for _, o := range chats {
		if !d.visibleOrderChat(o) {
			continue
		}
		e := &DirectoryEntry{
			Scope:         OrderScope(o.OrderID),
			Title:         orderTitle(o.OrderID, o.ParticipantName),
			ParticipantID: o.ParticipantID,
			OrderStatus:   o.OrderStatus,
			LastMessage:   o.LastMessage,
			LastMessageAt: o.LastMessageAt,
			UnreadCount:   o.UnreadCount,
		}
		next[e.Scope.Key()] = e
	}

	var reseeds []func()
	d.mu.Lock()
	for key, e := range next {
		if s, ok := d.stores[key]; ok {
			if n, reseed := d.reconcileUnread(key, s, e); reseed {
				reseeds = append(reseeds, func() { s.reseed(n) })
			}
		} else if m, ok := d.reads[key]; ok {
			e.UnreadCount = max(0, e.UnreadCount-m.baseline)
		}
		if prev, ok := d.entries[key]; ok {
			e.lastMessageID = prev.lastMessageID
			if prev.LastMessageAt.After(e.LastMessageAt) {
				e.LastMessage = prev.LastMessage
				e.LastMessageAt = prev.LastMessageAt
			}
		}
	}
	d.entries = next
	d.mu.Unlock()

	for _, fn := range reseeds {
		fn()
	}
	d.logger.Debug().Int("conversations", len(convs)).Int("order_chats", len(chats)).Int("visible", len(next)).Msg("directory refreshed")
	d.notify()
	return nil
}

// reconcileUnread settles the unread count of an open store against a
// fresh listing entry. A store read since the last poll wins; otherwise the
// server count wins and the store is reseeded. Called with d.mu held.
func (d *Directory) reconcileUnread(key string, s *ConversationStore, e *DirectoryEntry) (int, bool) {
	local, seq := s.readState()
	m, ok := d.reads[key]
	if !ok {
		m = &readMark{}
		d.reads[key] = m
	}
	if m.store != s {
		m.store = s
		m.seq = 0
	}
	if seq != m.seq {
		m.seq = seq
		if e.Scope.Kind == ScopeOrder {
			m.baseline = max(0, e.UnreadCount-local)
		}
		e.UnreadCount = local
		return 0, false
	}
	if e.Scope.Kind == ScopeOrder {
		e.UnreadCount = max(0, e.UnreadCount-m.baseline)
	}
	return e.UnreadCount, e.UnreadCount != local
}

func (d *Directory) visibleConversation(c Conversation) bool {
	if d.identity.IsStaff() {
		return true
	}
	return c.ParticipantID == "" || c.ParticipantID == d.identity.ParticipantID
}

func (d *Directory) visibleOrderChat(o OrderChat) bool {
	if !o.Active() {
		return false
	}
	if d.identity.IsStaff() {
		return true
	}
	return o.ParticipantID == "" || o.ParticipantID == d.identity.ParticipantID
}

func orderTitle(orderID, participant string) string {
	if participant == "" {
		return "Order #" + orderID
	}
	return "Order #" + orderID + " (" + participant + ")"
}

// Run refreshes the directory immediately and then on every poll interval
// until ctx is done. Refresh errors are logged and do not stop the loop.
func (d *Directory) Run(ctx context.Context) error {
	_ = d.Refresh(ctx)
	return d.poll(ctx)
}

func (d *Directory) poll(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = d.Refresh(ctx)
		}
	}
}

// refreshAsync runs a background refresh. Requests arriving while one is
// running are coalesced into a single follow-up refresh.
func (d *Directory) refreshAsync() {
	d.mu.Lock()
	if d.refreshing {
		d.rerun = true
		d.mu.Unlock()
		return
	}
	d.refreshing = true
	d.mu.Unlock()

	go func() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			_ = d.Refresh(ctx)
			cancel()

			d.mu.Lock()
			if !d.rerun {
				d.refreshing = false
				d.mu.Unlock()
				return
			}
			d.rerun = false
			d.mu.Unlock()
		}
	}()
}

// handleMessage updates the preview of the message's scope without
// opening it. Unknown scopes are added provisionally and a refresh is
// scheduled to pick up their metadata.
func (d *Directory) handleMessage(m Message) {
	key := m.Scope.Key()
	inbound := m.SenderType != d.identity.SenderType()

	d.mu.Lock()
	e, known := d.entries[key]
	if !known {
		// Order chats may belong to inactive orders; only a refresh can tell.
		if m.Scope.Kind == ScopeOrder {
			d.mu.Unlock()
			d.refreshAsync()
			return
		}
		e = &DirectoryEntry{Scope: m.Scope, Status: StatusOpen}
		if m.SenderType == SenderUser {
			e.Title = m.SenderName
			e.ParticipantID = m.SenderID
		}
		d.entries[key] = e
	}
	if m.ID != "" && m.ID == e.lastMessageID {
		d.mu.Unlock()
		return
	}
	e.lastMessageID = m.ID
	if !m.CreatedAt.Before(e.LastMessageAt) {
		e.LastMessage = m.Preview()
		e.LastMessageAt = m.CreatedAt
	}
	if s, ok := d.stores[key]; ok {
		e.UnreadCount = s.Unread()
	} else if inbound {
		e.UnreadCount++
	}
	d.mu.Unlock()

	if !known {
		d.refreshAsync()
	}
	d.notify()
}

// ApplyOrderStatus applies an order status transition. Chats of rejected,
// cancelled or deleted orders leave the directory and their open store is
// cleared and closed.
func (d *Directory) ApplyOrderStatus(orderID, status string, chatDeleted bool) {
	key := OrderScope(orderID).Key()
	chat := OrderChat{OrderID: orderID, OrderStatus: status, ChatDeleted: chatDeleted}

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	var closed *ConversationStore
	if chat.Active() {
		e.OrderStatus = status
	} else {
		delete(d.entries, key)
		delete(d.reads, key)
		closed = d.stores[key]
		delete(d.stores, key)
	}
	d.mu.Unlock()

	if closed != nil {
		closed.Clear()
		closed.Close()
	}
	d.logger.Info().Str("order", orderID).Str("status", status).Bool("chat_deleted", chatDeleted).Msg("order status applied")
	d.notify()
}

// Entries returns the entries matching filter, most recent first.
func (d *Directory) Entries(filter DirectoryFilter) []DirectoryEntry {
	d.mu.Lock()
	out := make([]DirectoryEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if filter.match(*e) {
			out = append(out, *e)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].Scope.Key() < out[j].Scope.Key()
	})
	return out
}

// Entry returns the listed entry of scope.
func (d *Directory) Entry(scope Scope) (DirectoryEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[scope.Key()]
	if !ok {
		return DirectoryEntry{}, false
	}
	return *e, true
}

// TotalUnread sums the unread counters of all listed scopes.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, e := range d.entries {
		total += e.UnreadCount
	}
	return total
}

// Open returns the store of scope, creating it on first use. There is at
// most one store per scope.
func (d *Directory) Open(scope Scope) *ConversationStore {
	key := scope.Key()

	d.mu.Lock()
	if s, ok := d.stores[key]; ok {
		d.mu.Unlock()
		return s
	}
	s := NewConversationStore(d.client, d.transport, scope, d.opts.Store)
	if e, ok := d.entries[key]; ok {
		s.seed(e.UnreadCount, e.Status)
	}
	d.stores[key] = s
	d.mu.Unlock()

	s.OnMessage(func(ev StoreEvent) { d.handleStoreEvent(s, ev) })
	return s
}

func (d *Directory) handleStoreEvent(s *ConversationStore, ev StoreEvent) {
	key := ev.Scope.Key()
	d.mu.Lock()
	switch ev.Kind {
	case StoreClosed:
		if d.stores[key] == s {
			delete(d.stores, key)
		}
		d.mu.Unlock()
		return
	case StoreRead, StoreStatusChanged:
		e, ok := d.entries[key]
		if !ok {
			d.mu.Unlock()
			return
		}
		e.UnreadCount = ev.Unread
		if ev.Kind == StoreStatusChanged {
			e.Status = ev.Status
		}
	default:
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.notify()
}

// Delete removes scope on the server. Staff only. On success the entry is
// removed and its store cleared and closed; on failure nothing changes.
func (d *Directory) Delete(ctx context.Context, scope Scope) error {
	if !d.identity.IsStaff() {
		return ErrStaffOnly
	}
	if err := d.client.Delete(ctx, scope); err != nil {
		d.logger.Error().Err(err).Str("scope", scope.Key()).Msg("delete failed")
		return err
	}

	key := scope.Key()
	d.mu.Lock()
	delete(d.entries, key)
	delete(d.reads, key)
	s := d.stores[key]
	delete(d.stores, key)
	d.mu.Unlock()

	if s != nil {
		s.Clear()
		s.Close()
	}
	d.logger.Info().Str("scope", key).Msg("scope deleted")
	d.notify()
	return nil
}

// Close closes every open store and stops listening to the transport.
func (d *Directory) Close() {
	for _, off := range d.offs {
		off()
	}
	d.offs = nil

	d.mu.Lock()
	stores := make([]*ConversationStore, 0, len(d.stores))
	for _, s := range d.stores {
		stores = append(stores, s)
	}
	d.stores = make(map[string]*ConversationStore)
	d.mu.Unlock()

	for _, s := range stores {
		s.Close()
	}
}

func (d *Directory) notify() {
	for _, h := range d.changes.handlers("") {
		safeCall(h)
	}
}
