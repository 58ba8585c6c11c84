package supportchat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingTimeout clears a typing indicator whose stop signal never came.
const DefaultTypingTimeout = 3 * time.Second

// PresenceChange describes one presence or typing update.
type PresenceChange struct {
	// ParticipantID is set for online/offline changes.
	ParticipantID string
	Online        bool
	// Scope is set for typing changes.
	Scope  *Scope
	Typing bool
}

type typingEntry struct {
	state TypingState
	gen   uint64
	timer *time.Timer
}

// PresenceTracker keeps the online set and the per-scope typing flags of the
// counterpart role. Typing clears on an explicit stop or after the timeout,
// whichever comes first.
type PresenceTracker struct {
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	online map[string]PresenceEntry
	typing map[string]*typingEntry
	gen    uint64

	changes *emitter[func(PresenceChange)]
	offs    []func()
}

// NewPresenceTracker creates a tracker. A zero timeout uses DefaultTypingTimeout.
func NewPresenceTracker(timeout time.Duration, logger zerolog.Logger) *PresenceTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &PresenceTracker{
		timeout: timeout,
		logger:  logger.With().Str("component", "presence").Logger(),
		now:     time.Now,
		online:  make(map[string]PresenceEntry),
		typing:  make(map[string]*typingEntry),
		changes: newEmitter[func(PresenceChange)](),
	}
}

// Attach consumes presence and typing events from t. Typing events are taken
// from the role opposite to viewer: shoppers watch staff typing and staff
// watch shoppers. State resets whenever the transport (re)connects.
func (p *PresenceTracker) Attach(t *RealtimeTransport, viewer Role) {
	startEvent, stopEvent := EventTypingAdmin, EventTypingAdminStop
	if viewer == RoleStaff {
		startEvent, stopEvent = EventTypingUser, EventTypingUserStop
	}

	p.offs = append(p.offs,
		t.OnEvent(EventUserOnline, func(_ string, raw json.RawMessage) { p.handlePresence(raw, true) }),
		t.OnEvent(EventUserOffline, func(_ string, raw json.RawMessage) { p.handlePresence(raw, false) }),
		t.OnEvent(startEvent, func(_ string, raw json.RawMessage) { p.handleTyping(raw, true) }),
		t.OnEvent(stopEvent, func(_ string, raw json.RawMessage) { p.handleTyping(raw, false) }),
		t.OnStateChange(func(s RealtimeState) {
			if s == StateIdentified {
				p.Reset()
			}
		}),
	)
}

// Detach stops consuming transport events.
func (p *PresenceTracker) Detach() {
	for _, off := range p.offs {
		off()
	}
	p.offs = nil
}

// OnChange registers h for presence and typing changes.
func (p *PresenceTracker) OnChange(h func(PresenceChange)) func() {
	return p.changes.on("", h)
}

func (p *PresenceTracker) handlePresence(raw json.RawMessage, online bool) {
	var payload PresencePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.UserID == "" {
		return
	}
	p.SetOnline(string(payload.UserID), payload.UserName, online)
}

func (p *PresenceTracker) handleTyping(raw json.RawMessage, typing bool) {
	var payload TypingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	scope := payload.Scope()
	if scope.ID == "" {
		return
	}
	if typing {
		p.StartTyping(scope)
	} else {
		p.StopTyping(scope)
	}
}

// SetOnline records a participant's online state.
func (p *PresenceTracker) SetOnline(participantID, name string, online bool) {
	p.mu.Lock()
	prev, known := p.online[participantID]
	if online {
		p.online[participantID] = PresenceEntry{ParticipantID: participantID, Name: name, Online: true}
	} else {
		delete(p.online, participantID)
	}
	p.mu.Unlock()

	if known && prev.Online == online || !known && !online {
		return
	}
	p.notify(PresenceChange{ParticipantID: participantID, Online: online})
}

// StartTyping marks scope as typing. It replaces any existing entry and
// restarts the expiry timer.
func (p *PresenceTracker) StartTyping(scope Scope) {
	p.mu.Lock()
	key := scope.Key()
	if prev, ok := p.typing[key]; ok {
		prev.timer.Stop()
	}
	p.gen++
	gen := p.gen
	entry := &typingEntry{
		state: TypingState{Scope: scope, ExpiresAt: p.now().Add(p.timeout)},
		gen:   gen,
	}
	entry.timer = time.AfterFunc(p.timeout, func() { p.expire(key, gen) })
	_, existed := p.typing[key]
	p.typing[key] = entry
	p.mu.Unlock()

	if !existed {
		p.notify(PresenceChange{Scope: &scope, Typing: true})
	}
}

// StopTyping clears the typing flag of scope.
func (p *PresenceTracker) StopTyping(scope Scope) {
	p.mu.Lock()
	entry, ok := p.typing[scope.Key()]
	if ok {
		entry.timer.Stop()
		delete(p.typing, scope.Key())
	}
	p.mu.Unlock()

	if ok {
		p.notify(PresenceChange{Scope: &scope, Typing: false})
	}
}

// expire runs from the timer; a newer start for the same scope wins.
func (p *PresenceTracker) expire(key string, gen uint64) {
	p.mu.Lock()
	entry, ok := p.typing[key]
	if !ok || entry.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.typing, key)
	scope := entry.state.Scope
	p.mu.Unlock()

	p.logger.Debug().Str("scope", key).Msg("typing expired")
	p.notify(PresenceChange{Scope: &scope, Typing: false})
}

// IsOnline reports whether a participant is online.
func (p *PresenceTracker) IsOnline(participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[participantID].Online
}

// Online returns the online participants sorted by id.
func (p *PresenceTracker) Online() []PresenceEntry {
	p.mu.Lock()
	out := make([]PresenceEntry, 0, len(p.online))
	for _, e := range p.online {
		out = append(out, e)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// IsTyping reports whether the counterpart is typing in scope.
func (p *PresenceTracker) IsTyping(scope Scope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[scope.Key()]
	return ok
}

// Typing returns the current typing states.
func (p *PresenceTracker) Typing() []TypingState {
	p.mu.Lock()
	out := make([]TypingState, 0, len(p.typing))
	for _, e := range p.typing {
		out = append(out, e.state)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.Key() < out[j].Scope.Key() })
	return out
}

// Reset drops all presence and typing state.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	for _, e := range p.typing {
		e.timer.Stop()
	}
	p.online = make(map[string]PresenceEntry)
	p.typing = make(map[string]*typingEntry)
	p.mu.Unlock()
}

func (p *PresenceTracker) notify(c PresenceChange) {
	for _, h := range p.changes.handlers("") {
		safeCall(func() { h(c) })
	}
}
