package supportchat

import (
	"sort"
	"sync"
)

// emitter is a keyed handler registry. Handlers are snapshotted under the
// lock and invoked outside it, in registration order.
type emitter[H any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]H
}

func newEmitter[H any]() *emitter[H] {
	return &emitter[H]{listeners: make(map[string]map[uint64]H)}
}

// on registers h under key and returns a func that removes it. The returned
// func is safe to call more than once.
func (e *emitter[H]) on(key string, h H) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	set, ok := e.listeners[key]
	if !ok {
		set = make(map[uint64]H)
		e.listeners[key] = set
	}
	set[id] = h
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if set, ok := e.listeners[key]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(e.listeners, key)
				}
			}
		})
	}
}

func (e *emitter[H]) handlers(key string) []H {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.listeners[key]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// count returns the number of distinct keys with at least one handler.
func (e *emitter[H]) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

func (e *emitter[H]) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string]map[uint64]H)
}

// safeCall runs fn and swallows a panic in user callbacks.
func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}
