package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/protocol"
)

func TestMergeBacklogOrdersAndDedupes(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := []protocol.MessageView{
		{ID: "m3", Seq: 3, Time: base.Add(3 * time.Second)},
		{ID: "m4", Seq: 4, Time: base.Add(4 * time.Second)},
	}
	pending := []domain.MailboxEntry{
		{MessageID: "m1", Seq: 1, CreatedAt: base.Add(time.Second), Text: "old"},
		{MessageID: "m3", Seq: 3, CreatedAt: base.Add(3 * time.Second)},
		{MessageID: "m2", Seq: 2, CreatedAt: base.Add(time.Second)},
	}

	got := mergeBacklog(recent, pending)
	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids)
	assert.Equal(t, "old", got[0].Text)
}

func TestMergeBacklogSeqWinsOverClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Two writers raced: seq 6 was stamped earlier than seq 5.
	recent := []protocol.MessageView{
		{ID: "m5", Seq: 5, Time: base.Add(2 * time.Millisecond)},
		{ID: "m6", Seq: 6, Time: base.Add(time.Millisecond)},
	}
	pending := []domain.MailboxEntry{
		{MessageID: "m7", Seq: 7, CreatedAt: base},
	}

	got := mergeBacklog(recent, pending)
	require.Len(t, got, 3)
	for i, want := range []int64{5, 6, 7} {
		assert.Equal(t, want, got[i].Seq)
	}
}

func TestBacklogAcksMailboxAfterWrite(t *testing.T) {
	node := newTestNode(t, "node-a", newBus(t))
	ctx := context.Background()
	node.history.msgs = []protocol.MessageView{view(1), view(2)}
	node.router.Spool(ctx, "bob", view(2))
	node.router.Spool(ctx, "bob", view(3))
	other := view(9)
	other.ConversationID = "conv-2"
	node.router.Spool(ctx, "bob", other)

	bob := newConn("c-bob", "bob")
	bob.autoWrite = false
	node.connect(t, bob)
	require.NoError(t, node.router.Backlog(ctx, bob, "conv-1"))

	out := bob.outbound()
	require.Len(t, out, 1)
	require.Equal(t, protocol.TypeBulkMessages, out[0].Frame.Type)
	msgs := *out[0].Frame.Messages
	require.Len(t, msgs, 3)
	assert.EqualValues(t, []int64{1, 2, 3}, []int64{msgs[0].Seq, msgs[1].Seq, msgs[2].Seq})

	assert.Equal(t, 3, node.mailboxLen(t, "bob"), "nothing acked before the write")
	out[0].OnWritten()
	assert.Equal(t, 1, node.mailboxLen(t, "bob"), "only conv-2 remains")
	assert.ElementsMatch(t, []string{"bob"}, node.tracker.recipients("m-3"))
}

func TestBacklogRejectedKeepsMailbox(t *testing.T) {
	node := newTestNode(t, "node-a", newBus(t))
	ctx := context.Background()
	node.router.Spool(ctx, "bob", view(1))

	bob := newConn("c-bob", "bob")
	bob.reject = true
	node.connect(t, bob)

	err := node.router.Backlog(ctx, bob, "conv-1")
	assert.ErrorIs(t, err, domain.ErrFanout)
	assert.Equal(t, 1, node.mailboxLen(t, "bob"))
}

func TestBacklogEmpty(t *testing.T) {
	node := newTestNode(t, "node-a", newBus(t))
	bob := newConn("c-bob", "bob")
	node.connect(t, bob)

	require.NoError(t, node.router.Backlog(context.Background(), bob, "conv-1"))
	out := bob.outbound()
	require.Len(t, out, 1)
	assert.Empty(t, *out[0].Frame.Messages)
}
