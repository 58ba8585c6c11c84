package supportchat_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retailkit/supportchat"
	"github.com/retailkit/supportchat/supportchattest"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	shopper = supportchat.Identity{ParticipantID: "u-100", DisplayName: "Lucia", Role: supportchat.RoleShopper}
	other   = supportchat.Identity{ParticipantID: "u-200", DisplayName: "Marco", Role: supportchat.RoleShopper}
	staff   = supportchat.Identity{ParticipantID: "a-1", DisplayName: "Support", Role: supportchat.RoleStaff}
)

const waitTimeout = 3 * time.Second

type backend struct {
	srv *supportchattest.Server
	ts  *httptest.Server
}

func newBackend(t *testing.T, opts ...supportchattest.Option) *backend {
	t.Helper()
	srv := supportchattest.New(opts...)
	ts := supportchattest.NewHTTPServer(srv)
	t.Cleanup(ts.Close)
	return &backend{srv: srv, ts: ts}
}

func (b *backend) client(id supportchat.Identity) *supportchat.Client {
	return supportchat.NewClient(
		supportchat.StaticToken(b.srv.Token(id)),
		supportchat.WithBaseURL(b.ts.URL),
		supportchat.WithTimeout(5*time.Second),
	)
}

// connect opens a transport for id and waits until the server has seen its
// handshake, so echoes addressed to it are routed.
func (b *backend) connect(t *testing.T, id supportchat.Identity) (*supportchat.Client, *supportchat.RealtimeTransport) {
	t.Helper()
	c := b.client(id)
	tr := supportchat.NewRealtimeTransport(c, supportchat.RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:  100 * time.Millisecond,
	})
	tr.Acquire()
	t.Cleanup(tr.Release)

	before := b.identified(id.ParticipantID)
	require.NoError(t, tr.Connect(context.Background(), id))
	require.Eventually(t, func() bool {
		return b.identified(id.ParticipantID) > before
	}, waitTimeout, 5*time.Millisecond)
	return c, tr
}

func (b *backend) identified(participantID string) int {
	n := 0
	for _, id := range b.srv.Identifications() {
		if id.UserID == participantID {
			n++
		}
	}
	return n
}

func (b *backend) seedConversation(id string, owner supportchat.Identity) supportchat.Scope {
	b.srv.AddConversation(supportchat.Conversation{
		ID:              id,
		ParticipantID:   owner.ParticipantID,
		ParticipantName: owner.DisplayName,
	})
	return supportchat.ConversationScope(id)
}

func (b *backend) seedOrderChat(orderID, status string, owner supportchat.Identity) supportchat.Scope {
	b.srv.AddOrderChat(supportchat.OrderChat{
		OrderID:         orderID,
		OrderStatus:     status,
		ParticipantID:   owner.ParticipantID,
		ParticipantName: owner.DisplayName,
	})
	return supportchat.OrderScope(orderID)
}

func ptr(s string) *string { return &s }

func texts(msgs []supportchat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Preview())
	}
	return out
}
