package supportchat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Socket events
// ============================================================================

const (
	EventUserIdentify     = "user:identify"
	EventUserConnected    = "user:connected"
	EventAdminConnected   = "admin:connected"
	EventMessageSend      = "message:send"
	EventMessageReceived  = "message:received"
	EventOrderMessageSent = "order-message:sent"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventTypingAdmin      = "typing:admin"
	EventTypingAdminStop  = "typing:admin:stop"
	EventTypingUser       = "typing:user"
	EventTypingUserStop   = "typing:user:stop"
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
)

// RealtimeEnvelope is the wire format for all socket events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// IdentifyPayload is sent by user:identify and admin:connected.
type IdentifyPayload struct {
	UserID   string     `json:"userId"`
	UserName string     `json:"userName"`
	UserType SenderType `json:"userType"`
}

// UserConnectedPayload is sent by user:connected.
type UserConnectedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// TypingPayload is carried by typing:start/stop and the typing:admin and
// typing:user relays. Order chats key it by orderId.
type TypingPayload struct {
	ConversationID string     `json:"conversationId,omitempty"`
	OrderID        string     `json:"orderId,omitempty"`
	UserName       string     `json:"userName,omitempty"`
	UserType       SenderType `json:"userType,omitempty"`
}

// NewTypingPayload builds the typing payload for a scope.
func NewTypingPayload(scope Scope, id Identity) TypingPayload {
	p := TypingPayload{UserName: id.DisplayName, UserType: id.SenderType()}
	if scope.Kind == ScopeOrder {
		p.OrderID = scope.ID
	} else {
		p.ConversationID = scope.ID
	}
	return p
}

// Scope returns the scope the typing signal refers to.
func (p TypingPayload) Scope() Scope {
	if p.OrderID != "" {
		return OrderScope(p.OrderID)
	}
	return ConversationScope(p.ConversationID)
}

// PresencePayload is carried by user:online and user:offline.
type PresencePayload struct {
	UserID   flexString `json:"userId"`
	UserName string     `json:"userName,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transport.
type RealtimeConfig struct {
	// Path is appended to the client base URL to form the socket URL.
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter resets the backoff attempt counter once a connection has
	// lived this long.
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	HTTPClient        *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/socket"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateIdentified   RealtimeState = "identified"
	StateSubscribed   RealtimeState = "subscribed"
)

// Live reports whether the socket is open and identity has been announced.
func (s RealtimeState) Live() bool {
	return s == StateIdentified || s == StateSubscribed
}

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// ScopeHandler receives the messages routed to one scope.
type ScopeHandler func(Message)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	stableAfter time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		stableAfter: config.StableAfter,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeTransport
// ============================================================================

// RealtimeTransport owns the single live socket of one actor. Every store of
// a session subscribes to it by scope; inbound messages are routed to the
// handlers of their scope only.
type RealtimeTransport struct {
	client *Client
	config *RealtimeConfig
	logger zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	identity         Identity
	intentionalClose bool
	everConnected    bool
	reconnecting     bool
	cancelFn         context.CancelFunc
	stop             chan struct{}
	refs             int
	recon            *reconnector

	scoped    *emitter[ScopeHandler]
	messages  *emitter[ScopeHandler]
	generic   *emitter[RealtimeEventHandler]
	reconnect *emitter[func()]
	states    *emitter[func(RealtimeState)]
}

// NewRealtimeTransport creates a disconnected transport that authenticates
// with the client's credentials.
func NewRealtimeTransport(client *Client, config RealtimeConfig) *RealtimeTransport {
	config.defaults()
	return &RealtimeTransport{
		client:    client,
		config:    &config,
		logger:    client.logger.With().Str("component", "realtime").Logger(),
		state:     StateDisconnected,
		recon:     newReconnector(&config),
		scoped:    newEmitter[ScopeHandler](),
		messages:  newEmitter[ScopeHandler](),
		generic:   newEmitter[RealtimeEventHandler](),
		reconnect: newEmitter[func()](),
		states:    newEmitter[func(RealtimeState)](),
	}
}

// State returns the current connection state.
func (t *RealtimeTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Identity returns the identity announced on the current connection.
func (t *RealtimeTransport) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Subscribe routes messages of scope to h until the returned func is called.
func (t *RealtimeTransport) Subscribe(scope Scope, h ScopeHandler) func() {
	off := t.scoped.on(scope.Key(), h)
	t.refreshSubscribedState()
	return func() {
		off()
		t.refreshSubscribedState()
	}
}

// OnMessage registers h for messages of every scope.
func (t *RealtimeTransport) OnMessage(h ScopeHandler) func() {
	return t.messages.on("", h)
}

// OnEvent registers h for every inbound event named eventType.
func (t *RealtimeTransport) OnEvent(eventType string, h RealtimeEventHandler) func() {
	return t.generic.on(eventType, h)
}

// OnReconnect registers h to run after every successful reconnect, once
// identity has been announced again.
func (t *RealtimeTransport) OnReconnect(h func()) func() {
	return t.reconnect.on("", h)
}

// OnStateChange registers h for connection state transitions.
func (t *RealtimeTransport) OnStateChange(h func(RealtimeState)) func() {
	return t.states.on("", h)
}

// Acquire registers a consumer of the transport.
func (t *RealtimeTransport) Acquire() {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
}

// Release drops a consumer; the connection closes when the last one leaves.
func (t *RealtimeTransport) Release() {
	t.mu.Lock()
	if t.refs > 0 {
		t.refs--
	}
	last := t.refs == 0
	t.mu.Unlock()
	if last {
		_ = t.Disconnect()
	}
}

// Connect opens the socket and announces identity. ctx bounds only the
// dial and handshake; the connection lives until Disconnect.
func (t *RealtimeTransport) Connect(ctx context.Context, identity Identity) error {
	t.mu.Lock()
	if t.state != StateDisconnected || t.reconnecting {
		t.mu.Unlock()
		return nil
	}
	t.identity = identity
	t.intentionalClose = false
	t.stop = make(chan struct{})
	t.recon.reset()
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *RealtimeTransport) socketURL(ctx context.Context) (string, http.Header, error) {
	wsURL := strings.Replace(t.client.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += t.config.Path

	header := http.Header{}
	if t.client.credentials != nil {
		token, err := t.client.credentials.Token(ctx)
		if err != nil {
			return "", nil, err
		}
		header.Set("Authorization", "Bearer "+token)
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return wsURL, header, nil
}

func (t *RealtimeTransport) dial(ctx context.Context) error {
	t.setState(StateConnecting)

	wsURL, header, err := t.socketURL(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		t.setState(StateDisconnected)
		return ErrNotConnected
	}
	identity := t.identity
	t.mu.Unlock()

	if err := t.announce(ctx, conn, identity); err != nil {
		conn.Close(websocket.StatusInternalError, "identify failed")
		t.setState(StateDisconnected)
		return fmt.Errorf("identify: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancelFn = cancel
	reconnected := t.everConnected
	t.everConnected = true
	t.recon.markConnected()
	t.mu.Unlock()

	t.setState(StateIdentified)
	t.refreshSubscribedState()
	t.logger.Info().
		Str("participant", identity.ParticipantID).
		Str("role", string(identity.Role)).
		Bool("reconnect", reconnected).
		Msg("realtime connected")

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)

	if reconnected {
		for _, h := range t.reconnect.handlers("") {
			go safeCall(h)
		}
	}
	return nil
}

// announce emits the identify handshake for the actor's role.
func (t *RealtimeTransport) announce(ctx context.Context, conn *websocket.Conn, id Identity) error {
	if id.IsStaff() {
		return writeEnvelope(ctx, conn, EventAdminConnected, IdentifyPayload{
			UserID:   id.ParticipantID,
			UserName: id.DisplayName,
			UserType: SenderAdmin,
		})
	}
	if err := writeEnvelope(ctx, conn, EventUserIdentify, IdentifyPayload{
		UserID:   id.ParticipantID,
		UserName: id.DisplayName,
		UserType: SenderUser,
	}); err != nil {
		return err
	}
	return writeEnvelope(ctx, conn, EventUserConnected, UserConnectedPayload{
		UserID:   id.ParticipantID,
		Username: id.DisplayName,
	})
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Emit sends one event. There is no acknowledgement.
func (t *RealtimeTransport) Emit(ctx context.Context, event string, payload interface{}) error {
	t.mu.Lock()
	conn := t.conn
	live := t.state.Live()
	t.mu.Unlock()

	if conn == nil || !live {
		return ErrNotConnected
	}
	if err := writeEnvelope(ctx, conn, event, payload); err != nil {
		t.logger.Error().Err(err).Str("event", event).Msg("emit failed")
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (t *RealtimeTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *RealtimeTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			current := t.conn == conn
			if current {
				t.conn = nil
				if t.cancelFn != nil {
					t.cancelFn()
					t.cancelFn = nil
				}
			}
			stop := t.stop
			t.mu.Unlock()
			if intentional || !current {
				return
			}

			t.logger.Warn().Err(err).Msg("realtime connection lost")
			t.setState(StateDisconnected)

			if t.config.AutoReconnect {
				t.mu.Lock()
				t.reconnecting = true
				t.mu.Unlock()
				t.reconnectLoop(stop)
				t.mu.Lock()
				t.reconnecting = false
				t.mu.Unlock()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		t.dispatch(env)
	}
}

// dispatch runs on the read loop so a scope sees its events in arrival order.
func (t *RealtimeTransport) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventMessageReceived, EventOrderMessageSent:
		var w wireMessage
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			t.logger.Warn().Err(err).Str("event", env.Type).Msg("dropping malformed message")
			break
		}
		var scope Scope
		if env.Type == EventOrderMessageSent {
			scope = OrderScope(string(w.OrderID))
		} else {
			scope = ConversationScope(string(w.ConversationID))
		}
		if scope.ID == "" {
			break
		}
		msg := w.toMessage(scope, t.client.origin)
		if err := msg.Validate(); err != nil {
			t.logger.Warn().Err(err).Str("event", env.Type).Str("id", msg.ID).Msg("dropping empty message")
			break
		}
		for _, h := range t.scoped.handlers(scope.Key()) {
			safeCall(func() { h(msg) })
		}
		for _, h := range t.messages.handlers("") {
			safeCall(func() { h(msg) })
		}
	}

	for _, h := range t.generic.handlers(env.Type) {
		safeCall(func() { h(env.Type, env.Payload) })
	}
}

func (t *RealtimeTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *RealtimeTransport) reconnectLoop(stop chan struct{}) {
	for {
		t.mu.Lock()
		if t.intentionalClose || !t.recon.shouldReconnect() {
			t.mu.Unlock()
			t.logger.Error().Msg("realtime reconnect abandoned")
			return
		}
		delay := t.recon.nextDelay()
		attempt := t.recon.attempt
		t.mu.Unlock()

		t.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.config.DialTimeout)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		t.logger.Warn().Err(err).Int("attempt", attempt).Msg("realtime reconnect failed")
	}
}

func (t *RealtimeTransport) refreshSubscribedState() {
	t.mu.Lock()
	if !t.state.Live() {
		t.mu.Unlock()
		return
	}
	next := StateIdentified
	if t.scoped.count() > 0 {
		next = StateSubscribed
	}
	t.mu.Unlock()
	t.setState(next)
}

func (t *RealtimeTransport) setState(s RealtimeState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	t.logger.Debug().Str("state", string(s)).Msg("realtime state")
	for _, h := range t.states.handlers("") {
		safeCall(func() { h(s) })
	}
}
