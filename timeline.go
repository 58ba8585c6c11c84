package supportchat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDedupTolerance is the window within which an echo without a client
// id is matched to a pending message with the same content.
const DefaultDedupTolerance = 1000 * time.Millisecond

// ReconcileOutcome reports what ApplyEcho did with an inbound message.
type ReconcileOutcome int

const (
	// OutcomeAppended means the message was new to the timeline.
	OutcomeAppended ReconcileOutcome = iota
	// OutcomeConfirmed means a pending entry was replaced in place.
	OutcomeConfirmed
	// OutcomeDuplicate means the server id was already present.
	OutcomeDuplicate
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "appended"
	}
}

// Timeline merges REST history, optimistic sends and socket echoes of one
// scope into a single time-ordered list without duplicates.
type Timeline struct {
	scope     Scope
	tolerance time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries []Message
}

// NewTimeline creates an empty timeline. A zero tolerance uses
// DefaultDedupTolerance.
func NewTimeline(scope Scope, tolerance time.Duration) *Timeline {
	if tolerance <= 0 {
		tolerance = DefaultDedupTolerance
	}
	return &Timeline{scope: scope, tolerance: tolerance, now: time.Now}
}

// Scope returns the scope the timeline belongs to.
func (t *Timeline) Scope() Scope {
	return t.scope
}

// MergeHistory replaces the confirmed entries with history. Pending entries
// that no history entry reconciles are kept, as are confirmed entries newer
// than the snapshot that it does not contain yet.
func (t *Timeline) MergeHistory(history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := make([]Message, 0, len(history)+len(t.entries))
	seen := make(map[string]bool, len(history))
	var latest time.Time
	for _, m := range history {
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		m.Scope = t.scope
		m.DeliveryState = DeliveryConfirmed
		merged = append(merged, m)
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	claimed := make([]bool, len(merged))

	for _, e := range t.entries {
		if e.Pending() {
			if i := t.findReconciler(e, merged, claimed); i >= 0 {
				claimed[i] = true
				continue
			}
			merged = append(merged, e)
			claimed = append(claimed, true)
			continue
		}
		if e.ID != "" && !seen[e.ID] && e.CreatedAt.After(latest) {
			seen[e.ID] = true
			merged = append(merged, e)
			claimed = append(claimed, true)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	t.entries = merged
}

// findReconciler returns the index of the first unclaimed confirmed entry
// in list that confirms pending, or -1.
func (t *Timeline) findReconciler(pending Message, list []Message, claimed []bool) int {
	for i, m := range list {
		if claimed[i] || m.Pending() {
			continue
		}
		if pending.ClientID != "" && m.ClientID == pending.ClientID {
			return i
		}
	}
	for i, m := range list {
		if claimed[i] || m.Pending() || m.ClientID != "" {
			continue
		}
		if t.sameContent(pending, m) {
			return i
		}
	}
	return -1
}

// AddPending appends an optimistic local message. It fills in the client
// id, timestamp and delivery state when missing and returns the entry.
func (t *Timeline) AddPending(m Message) Message {
	if m.ClientID == "" {
		m.ClientID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	m.Scope = t.scope
	m.DeliveryState = DeliveryPending

	t.mu.Lock()
	t.entries = append(t.entries, m)
	t.sortIfNeeded()
	t.mu.Unlock()
	return m
}

// ApplyEcho reconciles a message delivered by the socket.
//
// Matching order: an entry with the same server id, then a pending entry
// with the same client id, then the first pending entry from the same
// sender type with the same body or attachment within the tolerance
// window. A match is replaced in place; anything else is appended.
func (t *Timeline) ApplyEcho(m Message) ReconcileOutcome {
	m.Scope = t.scope
	m.DeliveryState = DeliveryConfirmed
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ID != "" {
		for i := range t.entries {
			if t.entries[i].ID == m.ID {
				if m.ClientID == "" {
					m.ClientID = t.entries[i].ClientID
				}
				t.entries[i] = m
				t.sortIfNeeded()
				return OutcomeDuplicate
			}
		}
	}

	if m.ClientID != "" {
		for i := range t.entries {
			if t.entries[i].Pending() && t.entries[i].ClientID == m.ClientID {
				t.entries[i] = m
				t.sortIfNeeded()
				return OutcomeConfirmed
			}
		}
	} else {
		for i := range t.entries {
			if t.entries[i].Pending() && t.sameContent(t.entries[i], m) {
				m.ClientID = t.entries[i].ClientID
				t.entries[i] = m
				t.sortIfNeeded()
				return OutcomeConfirmed
			}
		}
	}

	t.entries = append(t.entries, m)
	t.sortIfNeeded()
	return OutcomeAppended
}

// sameContent is the fallback match for echoes that carry no client id.
func (t *Timeline) sameContent(pending, echo Message) bool {
	if pending.SenderType != echo.SenderType {
		return false
	}
	if pending.SenderID != "" && echo.SenderID != "" && pending.SenderID != echo.SenderID {
		return false
	}
	switch {
	case pending.Body != nil && echo.Body != nil:
		if *pending.Body != *echo.Body {
			return false
		}
	case pending.Attachment != nil && echo.Attachment != nil:
		if !sameAttachment(*pending.Attachment, *echo.Attachment) {
			return false
		}
	default:
		return false
	}
	d := echo.CreatedAt.Sub(pending.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= t.tolerance
}

func sameAttachment(a, b Attachment) bool {
	if a.URL != "" && a.URL == b.URL {
		return true
	}
	return a.Path != "" && a.Path == b.Path
}

// sortIfNeeded restores time order with a stable sort, only when the slice
// is out of order. Callers hold t.mu.
func (t *Timeline) sortIfNeeded() {
	less := func(i, j int) bool { return t.entries[i].CreatedAt.Before(t.entries[j].CreatedAt) }
	if sort.SliceIsSorted(t.entries, less) {
		return
	}
	sort.SliceStable(t.entries, less)
}

// Messages returns a copy of the ordered timeline.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Pending returns the entries still awaiting their echo.
func (t *Timeline) Pending() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, m := range t.entries {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear empties the timeline.
func (t *Timeline) Clear() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}
