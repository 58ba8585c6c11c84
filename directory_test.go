package supportchat_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailkit/supportchat"
	"github.com/retailkit/supportchat/supportchattest"
)

func scopesOf(entries []supportchat.DirectoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Scope.Key())
	}
	return out
}

func newDirectory(t *testing.T, c *supportchat.Client, tr *supportchat.RealtimeTransport, id supportchat.Identity) *supportchat.Directory {
	t.Helper()
	d := supportchat.NewDirectory(c, tr, supportchat.DirectoryOptions{Identity: id})
	t.Cleanup(d.Close)
	return d
}

// seedShop stores conversations and order chats of two shoppers. Every
// order carries messages, including the inactive ones.
func seedShop(b *backend) {
	now := time.Now().UTC()
	b.srv.AddConversation(supportchat.Conversation{ID: "c-1", ParticipantID: shopper.ParticipantID, ParticipantName: shopper.DisplayName, LastMessageAt: now.Add(-3 * time.Minute)})
	b.srv.AddConversation(supportchat.Conversation{ID: "c-2", ParticipantID: other.ParticipantID, ParticipantName: other.DisplayName, LastMessageAt: now.Add(-time.Minute)})

	orders := []struct {
		id, status string
		owner      supportchat.Identity
	}{
		{"100", "paid", shopper},
		{"101", "cancelled", shopper},
		{"102", "REJECTED", shopper},
		{"103", "shipped", other},
	}
	for i, o := range orders {
		scope := b.seedOrderChat(o.id, o.status, o.owner)
		b.srv.AddMessage(scope, supportchattest.StoredMessage{
			SenderID:   o.owner.ParticipantID,
			SenderType: "user",
			Message:    ptr("about order " + o.id),
			CreatedAt:  now.Add(-time.Duration(10+i) * time.Minute),
		})
	}
	b.srv.AddOrderChat(supportchat.OrderChat{OrderID: "104", OrderStatus: "paid", ChatDeleted: true, ParticipantID: shopper.ParticipantID})
}

// ============================================================================
// Visibility
// ============================================================================

func TestDirectoryShopperSeesOwnActiveScopes(t *testing.T) {
	b := newBackend(t)
	seedShop(b)

	d := newDirectory(t, b.client(shopper), nil, shopper)
	require.NoError(t, d.Refresh(context.Background()))

	assert.ElementsMatch(t, []string{"conversation:c-1", "order:100"}, scopesOf(d.Entries(supportchat.DirectoryFilter{})))

	_, ok := d.Entry(supportchat.OrderScope("101"))
	assert.False(t, ok, "cancelled order must not be listed")
	assert.Len(t, b.srv.Messages(supportchat.OrderScope("101")), 1)
}

func TestDirectoryStaffSeesAllActiveScopes(t *testing.T) {
	b := newBackend(t)
	seedShop(b)

	d := newDirectory(t, b.client(staff), nil, staff)
	require.NoError(t, d.Refresh(context.Background()))

	entries := d.Entries(supportchat.DirectoryFilter{})
	assert.Equal(t, []string{"conversation:c-2", "conversation:c-1", "order:100", "order:103"}, scopesOf(entries))

	e, ok := d.Entry(supportchat.OrderScope("103"))
	require.True(t, ok)
	assert.Equal(t, "Order #103 (Marco)", e.Title)
	assert.Equal(t, "about order 103", e.LastMessage)
	assert.Equal(t, 1, e.UnreadCount)
	assert.Equal(t, 2, d.TotalUnread())
}

func TestDirectoryFilter(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	b.srv.AddConversation(supportchat.Conversation{ID: "c-3", ParticipantID: "u-300", ParticipantName: "Ana", Status: supportchat.StatusResolved})

	d := newDirectory(t, b.client(staff), nil, staff)
	require.NoError(t, d.Refresh(context.Background()))

	tests := []struct {
		name   string
		filter supportchat.DirectoryFilter
		want   []string
	}{
		{"orders only", supportchat.DirectoryFilter{Kind: supportchat.ScopeOrder}, []string{"order:100", "order:103"}},
		{"resolved", supportchat.DirectoryFilter{Status: supportchat.StatusResolved}, []string{"conversation:c-3"}},
		{"unread only", supportchat.DirectoryFilter{UnreadOnly: true}, []string{"order:100", "order:103"}},
		{"query by title", supportchat.DirectoryFilter{Query: "marco"}, []string{"conversation:c-2", "order:103"}},
		{"query by preview", supportchat.DirectoryFilter{Query: "ORDER 100"}, []string{"order:100"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, scopesOf(d.Entries(tt.filter)))
		})
	}
}

func TestDirectoryRefreshFailureKeepsListing(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	d := newDirectory(t, b.client(staff), nil, staff)
	require.NoError(t, d.Refresh(context.Background()))
	before := d.Entries(supportchat.DirectoryFilter{})

	b.srv.Fail(supportchattest.OpList, true)
	require.Error(t, d.Refresh(context.Background()))
	assert.Equal(t, before, d.Entries(supportchat.DirectoryFilter{}))
}

// ============================================================================
// Live updates
// ============================================================================

func TestDirectoryPreviewFromSocket(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	c, tr := b.connect(t, staff)
	d := newDirectory(t, c, tr, staff)
	require.NoError(t, d.Refresh(context.Background()))

	scope := supportchat.ConversationScope("c-1")
	id := b.srv.AddMessage(scope, supportchattest.StoredMessage{SenderID: shopper.ParticipantID, SenderType: "user", Message: ptr("is it shipped yet?")})
	b.srv.BroadcastMessage(scope, id)
	b.srv.BroadcastMessage(scope, id)

	require.Eventually(t, func() bool {
		e, _ := d.Entry(scope)
		return e.LastMessage == "is it shipped yet?"
	}, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	e, _ := d.Entry(scope)
	assert.Equal(t, 1, e.UnreadCount, "a repeated broadcast counts once")
	assert.Equal(t, "conversation:c-1", d.Entries(supportchat.DirectoryFilter{})[0].Scope.Key())
}

func TestDirectoryUnknownScopes(t *testing.T) {
	b := newBackend(t)
	c, tr := b.connect(t, staff)
	d := newDirectory(t, c, tr, staff)
	require.NoError(t, d.Refresh(context.Background()))

	t.Run("new conversation is listed at once", func(t *testing.T) {
		scope := b.seedConversation("c-new", other)
		id := b.srv.AddMessage(scope, supportchattest.StoredMessage{SenderID: other.ParticipantID, SenderName: other.DisplayName, SenderType: "user", Message: ptr("hi")})
		b.srv.BroadcastMessage(scope, id)

		require.Eventually(t, func() bool {
			_, ok := d.Entry(scope)
			return ok
		}, waitTimeout, 5*time.Millisecond)
	})

	t.Run("order chats wait for a refresh", func(t *testing.T) {
		cancelled := b.seedOrderChat("777", "cancelled", shopper)
		active := b.seedOrderChat("778", "paid", shopper)
		for _, scope := range []supportchat.Scope{cancelled, active} {
			id := b.srv.AddMessage(scope, supportchattest.StoredMessage{SenderID: shopper.ParticipantID, SenderType: "user", Message: ptr("refund?")})
			b.srv.BroadcastMessage(scope, id)
		}

		require.Eventually(t, func() bool {
			_, ok := d.Entry(active)
			return ok
		}, waitTimeout, 5*time.Millisecond)
		_, ok := d.Entry(cancelled)
		assert.False(t, ok, "cancelled order must not be listed")
	})
}

func TestDirectoryOpenStoreTracksUnread(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	c, tr := b.connect(t, staff)
	d := newDirectory(t, c, tr, staff)
	require.NoError(t, d.Refresh(context.Background()))

	scope := supportchat.OrderScope("100")
	s := d.Open(scope)
	assert.Same(t, s, d.Open(scope))
	assert.Equal(t, 1, s.Unread(), "store is seeded from the listing")

	require.NoError(t, s.MarkRead(context.Background()))
	e, _ := d.Entry(scope)
	assert.Zero(t, e.UnreadCount)

	// A poll returning a stale server count does not resurrect it.
	require.NoError(t, d.Refresh(context.Background()))
	e, _ = d.Entry(scope)
	assert.Zero(t, e.UnreadCount)
	require.NoError(t, d.Refresh(context.Background()))
	e, _ = d.Entry(scope)
	assert.Zero(t, e.UnreadCount)

	// Messages the socket never delivered still count once polled.
	b.srv.AddMessage(scope, supportchattest.StoredMessage{SenderID: shopper.ParticipantID, SenderType: "user", Message: ptr("still there?")})
	require.NoError(t, d.Refresh(context.Background()))
	e, _ = d.Entry(scope)
	assert.Equal(t, 1, e.UnreadCount)
	assert.Equal(t, 1, s.Unread())

	s.Close()
	assert.NotSame(t, s, d.Open(scope))
}

func TestDirectoryUnreadFollowsServer(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	d := newDirectory(t, b.client(staff), nil, staff)
	ctx := context.Background()

	scope := supportchat.ConversationScope("c-1")
	s := d.Open(scope)
	inbound := func(body string) {
		b.srv.AddMessage(scope, supportchattest.StoredMessage{SenderID: shopper.ParticipantID, SenderType: "user", Message: ptr(body)})
	}
	inbound("hello?")
	inbound("anyone there?")

	require.NoError(t, d.Refresh(ctx))
	e, ok := d.Entry(scope)
	require.True(t, ok)
	assert.Equal(t, 2, e.UnreadCount)
	assert.Equal(t, 2, s.Unread())

	require.NoError(t, s.MarkRead(ctx))
	require.NoError(t, d.Refresh(ctx))
	e, _ = d.Entry(scope)
	assert.Zero(t, e.UnreadCount)
	assert.Zero(t, s.Unread())

	inbound("my order is late")
	require.NoError(t, d.Refresh(ctx))
	e, _ = d.Entry(scope)
	assert.Equal(t, 1, e.UnreadCount)
	assert.Equal(t, 1, s.Unread())
}

func TestDirectoryRunPolls(t *testing.T) {
	b := newBackend(t)
	d := supportchat.NewDirectory(b.client(staff), nil, supportchat.DirectoryOptions{Identity: staff, PollInterval: 20 * time.Millisecond})
	t.Cleanup(d.Close)

	changed := make(chan struct{}, 16)
	d.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	b.seedConversation("c-late", other)
	require.Eventually(t, func() bool {
		_, ok := d.Entry(supportchat.ConversationScope("c-late"))
		return ok
	}, waitTimeout, 5*time.Millisecond)
	assert.NotEmpty(t, changed)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// ============================================================================
// Deletion
// ============================================================================

func TestDirectoryDelete(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	ctx := context.Background()

	t.Run("shoppers cannot delete", func(t *testing.T) {
		d := newDirectory(t, b.client(shopper), nil, shopper)
		require.NoError(t, d.Refresh(ctx))
		assert.ErrorIs(t, d.Delete(ctx, supportchat.ConversationScope("c-1")), supportchat.ErrStaffOnly)
		_, ok := d.Entry(supportchat.ConversationScope("c-1"))
		assert.True(t, ok)
	})

	d := newDirectory(t, b.client(staff), nil, staff)
	require.NoError(t, d.Refresh(ctx))
	scope := supportchat.OrderScope("100")
	s := d.Open(scope)
	require.NoError(t, s.LoadHistory(ctx))
	require.Len(t, s.Messages(), 1)

	t.Run("failure leaves everything in place", func(t *testing.T) {
		b.srv.Fail(supportchattest.OpDelete, true)
		defer b.srv.Fail(supportchattest.OpDelete, false)

		require.Error(t, d.Delete(ctx, scope))
		_, ok := d.Entry(scope)
		assert.True(t, ok)
		assert.Len(t, s.Messages(), 1)
	})

	t.Run("success removes the entry and clears the store", func(t *testing.T) {
		require.NoError(t, d.Delete(ctx, scope))
		_, ok := d.Entry(scope)
		assert.False(t, ok)
		assert.Empty(t, s.Messages())
		_, err := s.Send(ctx, "anyone?")
		assert.ErrorIs(t, err, supportchat.ErrStoreClosed)

		require.NoError(t, d.Refresh(ctx))
		_, ok = d.Entry(scope)
		assert.False(t, ok, "deleted order chats stay hidden")
	})

	t.Run("deleting a conversation", func(t *testing.T) {
		conv := supportchat.ConversationScope("c-2")
		require.NoError(t, d.Delete(ctx, conv))
		require.NoError(t, d.Refresh(ctx))
		_, ok := d.Entry(conv)
		assert.False(t, ok)
	})
}

// ============================================================================
// Order status webhook
// ============================================================================

func TestDirectoryOrderStatusWebhook(t *testing.T) {
	b := newBackend(t)
	seedShop(b)
	d := newDirectory(t, b.client(staff), nil, staff)
	require.NoError(t, d.Refresh(context.Background()))
	cancelled := d.Open(supportchat.OrderScope("100"))
	require.NoError(t, cancelled.LoadHistory(context.Background()))
	require.NotEmpty(t, cancelled.Messages())

	wh, err := supportchat.NewOrderStatusWebhook("hook-secret", d.HandleOrderStatus)
	require.NoError(t, err)
	hook := httptest.NewServer(wh.HTTPHandler())
	t.Cleanup(hook.Close)

	post := func(body string) int {
		req, err := http.NewRequest(http.MethodPost, hook.URL, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(supportchat.SignatureHeader, supportchat.SignWebhookBody(body, "hook-secret"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(`{"orderId":103,"status":"delivered"}`))
	e, ok := d.Entry(supportchat.OrderScope("103"))
	require.True(t, ok)
	assert.Equal(t, "delivered", e.OrderStatus)

	assert.Equal(t, http.StatusOK, post(`{"orderId":"100","status":"Cancelled"}`))
	_, ok = d.Entry(supportchat.OrderScope("100"))
	assert.False(t, ok)
	assert.Empty(t, cancelled.Messages())
	_, err = cancelled.Send(context.Background(), "hello?")
	assert.ErrorIs(t, err, supportchat.ErrStoreClosed)
	assert.NotSame(t, cancelled, d.Open(supportchat.OrderScope("100")))

	assert.Equal(t, http.StatusOK, post(`{"orderId":"103","chatDeleted":true}`))
	_, ok = d.Entry(supportchat.OrderScope("103"))
	assert.False(t, ok)
}
