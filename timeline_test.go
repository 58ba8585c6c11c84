package supportchat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func text(s string) *string { return &s }

func confirmed(id string, sender SenderType, body string, at time.Time) Message {
	return Message{
		ID:            id,
		SenderID:      string(sender) + "-1",
		SenderType:    sender,
		Body:          text(body),
		CreatedAt:     at,
		DeliveryState: DeliveryConfirmed,
	}
}

func bodies(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text())
	}
	return out
}

// ============================================================================
// Ordering
// ============================================================================

func TestTimelineOrdering(t *testing.T) {
	tl := NewTimeline(ConversationScope("c1"), 0)

	tl.ApplyEcho(confirmed("m3", SenderUser, "third", t0.Add(3*time.Second)))
	tl.ApplyEcho(confirmed("m1", SenderUser, "first", t0.Add(1*time.Second)))
	tl.ApplyEcho(confirmed("m2", SenderAdmin, "second", t0.Add(2*time.Second)))

	assert.Equal(t, []string{"first", "second", "third"}, bodies(tl.Messages()))
}

func TestTimelineEqualTimestampsKeepArrivalOrder(t *testing.T) {
	tl := NewTimeline(ConversationScope("c1"), 0)

	tl.ApplyEcho(confirmed("m1", SenderUser, "a", t0))
	tl.ApplyEcho(confirmed("m2", SenderUser, "b", t0))
	tl.ApplyEcho(confirmed("m0", SenderUser, "earlier", t0.Add(-time.Second)))

	assert.Equal(t, []string{"earlier", "a", "b"}, bodies(tl.Messages()))
}

// ============================================================================
// Echo reconciliation
// ============================================================================

func TestTimelineApplyEcho(t *testing.T) {
	t.Run("client id confirms in place", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.ApplyEcho(confirmed("m1", SenderAdmin, "hello", t0))
		pending := tl.AddPending(Message{SenderType: SenderUser, SenderID: "user-1", Body: text("where is my order?"), CreatedAt: t0.Add(time.Second)})
		tl.ApplyEcho(confirmed("m3", SenderAdmin, "later", t0.Add(10*time.Second)))

		require.NotEmpty(t, pending.ClientID)
		require.True(t, pending.Pending())

		echo := confirmed("m2", SenderUser, "where is my order?", t0.Add(5*time.Second))
		echo.ClientID = pending.ClientID
		assert.Equal(t, OutcomeConfirmed, tl.ApplyEcho(echo))

		msgs := tl.Messages()
		require.Len(t, msgs, 3)
		assert.Equal(t, "m2", msgs[1].ID)
		assert.Equal(t, pending.ClientID, msgs[1].ClientID)
		assert.Equal(t, DeliveryConfirmed, msgs[1].DeliveryState)
		assert.Empty(t, tl.Pending())
	})

	t.Run("content within tolerance confirms", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), time.Second)
		pending := tl.AddPending(Message{SenderType: SenderUser, SenderID: "user-1", Body: text("hi"), CreatedAt: t0})

		echo := confirmed("m1", SenderUser, "hi", t0.Add(800*time.Millisecond))
		echo.SenderID = "user-1"
		assert.Equal(t, OutcomeConfirmed, tl.ApplyEcho(echo))

		msgs := tl.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, pending.ClientID, msgs[0].ClientID)
	})

	t.Run("content outside tolerance appends", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), time.Second)
		tl.AddPending(Message{SenderType: SenderUser, Body: text("hi"), CreatedAt: t0})

		assert.Equal(t, OutcomeAppended, tl.ApplyEcho(confirmed("m1", SenderUser, "hi", t0.Add(3*time.Second))))
		assert.Equal(t, 2, tl.Len())
		assert.Len(t, tl.Pending(), 1)
	})

	t.Run("other sender type never matches", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), time.Second)
		tl.AddPending(Message{SenderType: SenderUser, Body: text("ok"), CreatedAt: t0})

		assert.Equal(t, OutcomeAppended, tl.ApplyEcho(confirmed("m1", SenderAdmin, "ok", t0)))
		assert.Len(t, tl.Pending(), 1)
	})

	t.Run("unknown client id does not fall back to content", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), time.Second)
		tl.AddPending(Message{SenderType: SenderUser, Body: text("same"), CreatedAt: t0})

		echo := confirmed("m1", SenderUser, "same", t0)
		echo.ClientID = "someone-elses-tab"
		assert.Equal(t, OutcomeAppended, tl.ApplyEcho(echo))
		assert.Len(t, tl.Pending(), 1)
	})

	t.Run("attachment matches by url", func(t *testing.T) {
		tl := NewTimeline(OrderScope("o1"), 0)
		tl.AddPending(Message{
			SenderType: SenderUser,
			Attachment: &Attachment{URL: "https://shop.example/uploads/a.png", Path: "/uploads/a.png", Kind: AttachmentImage},
			CreatedAt:  t0,
		})

		echo := Message{
			ID:         "m1",
			SenderType: SenderUser,
			Attachment: &Attachment{URL: "https://shop.example/uploads/a.png", Path: "/uploads/a.png", Kind: AttachmentImage},
			CreatedAt:  t0.Add(200 * time.Millisecond),
		}
		assert.Equal(t, OutcomeConfirmed, tl.ApplyEcho(echo))
		assert.Equal(t, 1, tl.Len())
		assert.Equal(t, OrderScope("o1"), tl.Messages()[0].Scope)
	})

	t.Run("repeated server id is a duplicate", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.ApplyEcho(confirmed("m1", SenderUser, "once", t0))

		assert.Equal(t, OutcomeDuplicate, tl.ApplyEcho(confirmed("m1", SenderUser, "once", t0)))
		assert.Equal(t, 1, tl.Len())
	})

	t.Run("first matching pending wins", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), time.Second)
		first := tl.AddPending(Message{SenderType: SenderUser, Body: text("ok"), CreatedAt: t0})
		tl.AddPending(Message{SenderType: SenderUser, Body: text("ok"), CreatedAt: t0.Add(100 * time.Millisecond)})

		tl.ApplyEcho(confirmed("m1", SenderUser, "ok", t0.Add(50*time.Millisecond)))

		msgs := tl.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, first.ClientID, msgs[0].ClientID)
		assert.False(t, msgs[0].Pending())
		assert.True(t, msgs[1].Pending())
	})
}

func TestReconcileOutcomeString(t *testing.T) {
	assert.Equal(t, "appended", OutcomeAppended.String())
	assert.Equal(t, "confirmed", OutcomeConfirmed.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
}

// ============================================================================
// History merge
// ============================================================================

func TestTimelineMergeHistory(t *testing.T) {
	t.Run("reconciled pending entries are replaced", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		pending := tl.AddPending(Message{SenderType: SenderUser, Body: text("Hola"), CreatedAt: t0})

		stored := confirmed("m1", SenderUser, "Hola", t0.Add(300*time.Millisecond))
		stored.ClientID = pending.ClientID
		tl.MergeHistory([]Message{stored})

		msgs := tl.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.False(t, msgs[0].Pending())
	})

	t.Run("unreconciled pending entries survive", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.AddPending(Message{SenderType: SenderUser, Body: text("still sending"), CreatedAt: t0.Add(time.Minute)})

		tl.MergeHistory([]Message{
			confirmed("m1", SenderAdmin, "welcome", t0),
			confirmed("m2", SenderUser, "thanks", t0.Add(time.Second)),
		})

		assert.Equal(t, []string{"welcome", "thanks", "still sending"}, bodies(tl.Messages()))
		assert.Len(t, tl.Pending(), 1)
	})

	t.Run("history ids are deduplicated", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.MergeHistory([]Message{
			confirmed("m1", SenderUser, "a", t0),
			confirmed("m1", SenderUser, "a", t0),
		})
		assert.Equal(t, 1, tl.Len())
	})

	t.Run("echoes newer than the snapshot are kept", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.ApplyEcho(confirmed("m9", SenderAdmin, "live", t0.Add(time.Hour)))

		tl.MergeHistory([]Message{confirmed("m1", SenderUser, "old", t0)})

		assert.Equal(t, []string{"old", "live"}, bodies(tl.Messages()))
	})

	t.Run("stale entries missing from history are dropped", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.ApplyEcho(confirmed("gone", SenderAdmin, "deleted", t0))

		tl.MergeHistory([]Message{confirmed("m2", SenderUser, "kept", t0.Add(time.Minute))})

		assert.Equal(t, []string{"kept"}, bodies(tl.Messages()))
	})

	t.Run("stale echo after history is a duplicate", func(t *testing.T) {
		tl := NewTimeline(ConversationScope("c1"), 0)
		tl.MergeHistory([]Message{confirmed("m1", SenderUser, "Hola", t0)})

		assert.Equal(t, OutcomeDuplicate, tl.ApplyEcho(confirmed("m1", SenderUser, "Hola", t0)))
		assert.Equal(t, 1, tl.Len())
	})
}

func TestTimelineAddPendingDefaults(t *testing.T) {
	tl := NewTimeline(ConversationScope("c1"), 0)
	tl.now = func() time.Time { return t0 }

	m := tl.AddPending(Message{SenderType: SenderAdmin, Body: text("x")})
	assert.Equal(t, t0, m.CreatedAt)
	assert.Equal(t, ConversationScope("c1"), m.Scope)
	assert.Equal(t, DeliveryPending, m.DeliveryState)
	assert.Len(t, m.ClientID, 36)

	tl.Clear()
	assert.Zero(t, tl.Len())
}
