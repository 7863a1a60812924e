package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap/zaptest"

	"chatcore/internal/domain"
)

// These tests need a reachable server, e.g.
// MONGO_TEST_URI=mongodb://localhost:27017 go test ./internal/store/mongostore/
func openTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, uri, "chatcore_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = db.Client().Disconnect(ctx)
	})
	require.NoError(t, EnsureIndexes(ctx, db))
	return db
}

func TestMessageRepoAppendAndRead(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, NewConversationRepo(db).Create(ctx, &domain.Conversation{ID: "conv-1", ParticipantIDs: []string{"alice", "bob"}}))

	repo := NewMessageRepo(db, zaptest.NewLogger(t))
	var ids []string
	for i := 0; i < 4; i++ {
		m := &domain.Message{ConversationID: "conv-1", SenderID: "alice", Content: "x"}
		require.NoError(t, repo.Append(ctx, m))
		assert.EqualValues(t, i+1, m.Seq)
		ids = append(ids, m.ID)
	}

	tail, err := repo.Tail(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.EqualValues(t, 3, tail[0].Seq)
	assert.EqualValues(t, 4, tail[1].Seq)

	after, err := repo.ListAfter(ctx, "conv-1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, after, 3)

	require.NoError(t, repo.PruneOld(ctx, "conv-1", 2))
	_, err = repo.GetByID(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = repo.Append(ctx, &domain.Message{ConversationID: "missing", SenderID: "alice", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReceiptRepoMonotone(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, NewConversationRepo(db).Create(ctx, &domain.Conversation{ID: "conv-1", ParticipantIDs: []string{"alice", "bob"}}))
	msgs := NewMessageRepo(db, zaptest.NewLogger(t))
	receipts := NewReceiptRepo(db)

	m := &domain.Message{ConversationID: "conv-1", SenderID: "alice", Content: "x"}
	require.NoError(t, msgs.Append(ctx, m))
	require.NoError(t, receipts.CreateSent(ctx, m.ID, []string{"bob"}))

	changed, err := receipts.Advance(ctx, m.ID, "bob", domain.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = receipts.Advance(ctx, m.ID, "bob", domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status)

	ok, err := NewParticipantRepo(db).IsParticipant(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}
