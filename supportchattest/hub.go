package supportchattest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/retailkit/supportchat"
)

// Identification is one identify handshake received on the socket.
type Identification struct {
	Event    string
	UserID   string
	UserName string
	UserType string
}

type client struct {
	conn   *websocket.Conn
	claims tokenClaims

	mu sync.Mutex
	// userID is set once the connection announced itself.
	userID string
	name   string
	staff  bool
}

func (c *client) info() (userID, name string, staff bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.name, c.staff
}

// hub tracks live sockets and fans events out to them.
type hub struct {
	mu    sync.RWMutex
	conns map[*client]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func (h *hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// send writes one envelope to every client accepted by match. Failed
// writes close the connection; its read loop unregisters it.
func (h *hub) send(match func(*client) bool, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := supportchat.RealtimeEnvelope{Type: event, Payload: raw}
	for _, c := range h.snapshot() {
		if match != nil && !match(c) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsjson.Write(ctx, c.conn, env); err != nil {
			c.conn.Close(websocket.StatusInternalError, "write failed")
		}
		cancel()
	}
}

func (h *hub) closeAll(code websocket.StatusCode, reason string) {
	for _, c := range h.snapshot() {
		c.conn.Close(code, reason)
	}
}
