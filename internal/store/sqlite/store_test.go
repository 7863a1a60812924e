package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func seedConversation(t *testing.T, db *sql.DB, id string, participants ...string) {
	t.Helper()
	err := NewConversationRepo(db).Create(context.Background(), &domain.Conversation{ID: id, ParticipantIDs: participants})
	require.NoError(t, err)
}

func TestMessageRepoAppendAssignsSequence(t *testing.T) {
	db := openTestDB(t)
	seedConversation(t, db, "conv-1", "alice", "bob")
	repo := NewMessageRepo(db)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		m := &domain.Message{ConversationID: "conv-1", SenderID: "alice", Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, repo.Append(ctx, m))
		assert.EqualValues(t, i, m.Seq)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
	}

	conv, err := NewConversationRepo(db).GetByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, conv.LastSeq)
	assert.Equal(t, []string{"alice", "bob"}, conv.ParticipantIDs)
}

func TestMessageRepoAppendUnknownConversation(t *testing.T) {
	db := openTestDB(t)
	err := NewMessageRepo(db).Append(context.Background(), &domain.Message{ConversationID: "nope", SenderID: "a", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMessageRepoConcurrentAppendsAreGapFree(t *testing.T) {
	db := openTestDB(t)
	seedConversation(t, db, "conv-1", "alice", "bob")
	repo := NewMessageRepo(db)

	const n = 20
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &domain.Message{ConversationID: "conv-1", SenderID: "alice", Content: "x"}
			if assert.NoError(t, repo.Append(context.Background(), m)) {
				seqs[i] = m.Seq
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	for i, s := range seqs {
		assert.EqualValues(t, i+1, s)
	}
}

func TestMessageRepoTailListAfterAndPrune(t *testing.T) {
	db := openTestDB(t)
	seedConversation(t, db, "conv-1", "alice", "bob")
	repo := NewMessageRepo(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, &domain.Message{ConversationID: "conv-1", SenderID: "alice", Content: fmt.Sprint(i)}))
	}

	tail, err := repo.Tail(ctx, "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.EqualValues(t, []int64{3, 4, 5}, []int64{tail[0].Seq, tail[1].Seq, tail[2].Seq})

	after, err := repo.ListAfter(ctx, "conv-1", 3, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.EqualValues(t, 4, after[0].Seq)

	require.NoError(t, repo.PruneOld(ctx, "conv-1", 2))
	rest, err := repo.Tail(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.EqualValues(t, 4, rest[0].Seq)

	_, err = repo.GetByID(ctx, tail[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReceiptRepoAdvanceIsMonotone(t *testing.T) {
	db := openTestDB(t)
	seedConversation(t, db, "conv-1", "alice", "bob", "carol")
	msgs := NewMessageRepo(db)
	receipts := NewReceiptRepo(db)
	ctx := context.Background()

	m := &domain.Message{ConversationID: "conv-1", SenderID: "alice", Content: "hi"}
	require.NoError(t, msgs.Append(ctx, m))
	require.NoError(t, receipts.CreateSent(ctx, m.ID, []string{"bob", "carol"}))
	// Re-creating must not reset progress.
	changed, err := receipts.Advance(ctx, m.ID, "bob", domain.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, receipts.CreateSent(ctx, m.ID, []string{"bob", "carol"}))

	changed, err = receipts.Advance(ctx, m.ID, "bob", domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed, "read must not regress to delivered")

	changed, err = receipts.Advance(ctx, m.ID, "bob", domain.StatusRead)
	require.NoError(t, err)
	assert.False(t, changed)

	rc, err := receipts.Get(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, rc.Status)

	got, err := msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, got.Status, "carol has not received it yet")

	_, err = receipts.Advance(ctx, m.ID, "carol", domain.StatusDelivered)
	require.NoError(t, err)
	got, err = msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)

	list, err := receipts.ListForMessage(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].RecipientID)

	_, err = receipts.Get(ctx, m.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParticipantRepo(t *testing.T) {
	db := openTestDB(t)
	seedConversation(t, db, "conv-1", "bob", "alice")
	repo := NewParticipantRepo(db)
	ctx := context.Background()

	ids, err := repo.ListParticipantIDs(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, ids)

	ok, err := repo.IsParticipant(ctx, "conv-1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(ctx, "conv-1", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}
