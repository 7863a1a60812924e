package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatcore/internal/config"
	"chatcore/internal/delivery"
	"chatcore/internal/domain"
	"chatcore/internal/protocol"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/sqlite"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

type dispatchCall struct {
	msg        protocol.MessageView
	recipients []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg protocol.MessageView, recipients []string) delivery.Plan {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{msg: msg, recipients: recipients})
	return delivery.Plan{Offline: recipients}
}

func (d *recordingDispatcher) seqs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.msg.Seq)
	}
	return out
}

type fixture struct {
	svc        *service.MessageService
	dispatcher *recordingDispatcher
	messages   domain.MessageRepository
	enc        *security.Encryptor
}

func newFixture(t *testing.T, opts service.Options) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	convs := sqlite.NewConversationRepo(db)
	require.NoError(t, convs.Create(context.Background(), &domain.Conversation{
		ID: "conv-1", ParticipantIDs: []string{"alice", "bob", "carol"},
	}))

	enc, err := security.NewEncryptor([]byte("test-key"), nil)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	msgs := sqlite.NewMessageRepo(db)
	svc, err := service.NewMessageService(
		convs,
		sqlite.NewParticipantRepo(db),
		msgs,
		delivery.NewTracker(sqlite.NewReceiptRepo(db), log),
		enc,
		log,
		nil,
		opts,
	)
	require.NoError(t, err)
	d := &recordingDispatcher{}
	svc.SetDispatcher(d)
	return &fixture{svc: svc, dispatcher: d, messages: msgs, enc: enc}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("persists encrypted and dispatches to everyone but the sender", func(t *testing.T) {
		f := newFixture(t, service.Options{})
		res, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: "  hello  "})
		require.NoError(t, err)

		assert.Equal(t, int64(1), res.Message.Seq)
		assert.Equal(t, "hello", res.Message.Text)
		assert.Equal(t, domain.StatusSent, res.Message.Status)
		assert.ElementsMatch(t, []string{"bob", "carol"}, res.Plan.Offline)

		stored, err := f.messages.GetByID(ctx, res.Message.ID)
		require.NoError(t, err)
		assert.NotEqual(t, "hello", stored.Content)
		plain, err := f.enc.Decrypt(stored.Content)
		require.NoError(t, err)
		assert.Equal(t, "hello", plain)

		require.Len(t, f.dispatcher.calls, 1)
		assert.ElementsMatch(t, []string{"bob", "carol"}, f.dispatcher.calls[0].recipients)
	})

	t.Run("rejects empty text", func(t *testing.T) {
		f := newFixture(t, service.Options{})
		_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: "   "})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, f.dispatcher.calls)
	})

	t.Run("rejects oversized text", func(t *testing.T) {
		f := newFixture(t, service.Options{MaxMessageLength: 10})
		_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: strings.Repeat("a", 11)})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("rejects text outside the pattern", func(t *testing.T) {
		f := newFixture(t, service.Options{MessagePattern: config.DefaultMessagePattern})
		_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: "<script>"})
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: "héllo, wörld!"})
		assert.NoError(t, err)
	})

	t.Run("rejects non participants", func(t *testing.T) {
		f := newFixture(t, service.Options{})
		_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "mallory", Text: "hi"})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("prunes beyond the retention limit", func(t *testing.T) {
		f := newFixture(t, service.Options{MaxMessagesPerConversation: 3})
		for i := 0; i < 5; i++ {
			_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
		}
		page, err := f.svc.History(ctx, "bob", "conv-1", 0, 50)
		require.NoError(t, err)
		require.Len(t, page.Messages, 3)
		assert.Equal(t, int64(3), page.Messages[0].Seq)
		assert.Equal(t, int64(5), page.LastSeq)
	})
}

func TestSendConcurrentKeepsDispatchInSeqOrder(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		sender := []string{"alice", "bob", "carol"}[i%3]
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: sender, Text: fmt.Sprintf("msg %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seqs := f.dispatcher.seqs()
	require.Len(t, seqs, 20)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, service.Options{HistoryPageSize: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	page, err := f.svc.History(ctx, "bob", "conv-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m2", page.Messages[0].Text)
	assert.Equal(t, "m3", page.Messages[1].Text)

	page, err = f.svc.History(ctx, "bob", "conv-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2, "limit is capped at the page size")
	assert.Equal(t, int64(2), page.Messages[0].Seq)

	_, err = f.svc.History(ctx, "mallory", "conv-1", 0, 0)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.History(ctx, "bob", "missing", 0, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReceipts(t *testing.T) {
	f := newFixture(t, service.Options{})
	ctx := context.Background()
	res, err := f.svc.Send(ctx, service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: "hi"})
	require.NoError(t, err)
	id := res.Message.ID

	changed, err := f.svc.MarkDelivered(ctx, "bob", id)
	require.NoError(t, err)
	assert.True(t, changed)

	msg, changed, err := f.svc.MarkRead(ctx, "bob", id)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "conv-1", msg.ConversationID)

	_, changed, err = f.svc.MarkRead(ctx, "bob", id)
	require.NoError(t, err)
	assert.False(t, changed)

	_, changed, err = f.svc.MarkRead(ctx, "alice", id)
	require.NoError(t, err)
	assert.False(t, changed, "senders have no receipt for their own message")

	receipts, err := f.svc.Receipts(ctx, "alice", id)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	byUser := map[string]domain.DeliveryStatus{}
	for _, r := range receipts {
		byUser[r.RecipientID] = r.Status
	}
	assert.Equal(t, domain.StatusRead, byUser["bob"])
	assert.Equal(t, domain.StatusSent, byUser["carol"])

	_, err = f.svc.Receipts(ctx, "mallory", id)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, _, err = f.svc.MarkRead(ctx, "bob", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestToViewFallsBackToStoredText(t *testing.T) {
	f := newFixture(t, service.Options{})
	v := f.svc.ToView(&domain.Message{ID: "m1", Content: "plain legacy row", CreatedAt: time.Unix(10, 0)})
	assert.Equal(t, "plain legacy row", v.Text)
}

type mockParticipantRepo struct {
	mock.Mock
}

func (m *mockParticipantRepo) ListParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	args := m.Called(ctx, conversationID)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockParticipantRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type mockMessageRepo struct {
	mock.Mock
}

func (m *mockMessageRepo) Append(ctx context.Context, msg *domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if msg := args.Get(0); msg != nil {
		return msg.(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMessageRepo) Tail(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *mockMessageRepo) ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, afterSeq, limit)
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *mockMessageRepo) PruneOld(ctx context.Context, conversationID string, keepLimit int) error {
	return m.Called(ctx, conversationID, keepLimit).Error(0)
}

func TestSendStoreFailures(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("k"), nil)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	newSvc := func(parts *mockParticipantRepo, msgs *mockMessageRepo) (*service.MessageService, *recordingDispatcher) {
		svc, err := service.NewMessageService(nil, parts, msgs, delivery.NewTracker(nil, log), enc, log, nil, service.Options{PersistTimeout: time.Second})
		require.NoError(t, err)
		d := &recordingDispatcher{}
		svc.SetDispatcher(d)
		return svc, d
	}
	in := service.SendInput{ConversationID: "conv-1", SenderID: "alice", Text: "hi"}

	t.Run("append failure is a persistence error and nothing is dispatched", func(t *testing.T) {
		parts := new(mockParticipantRepo)
		parts.On("ListParticipantIDs", mock.Anything, "conv-1").Return([]string{"alice", "bob"}, nil)
		msgs := new(mockMessageRepo)
		msgs.On("Append", mock.Anything, mock.AnythingOfType("*domain.Message")).Return(errors.New("database is locked"))

		svc, d := newSvc(parts, msgs)
		_, err := svc.Send(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrPersistence)
		assert.Empty(t, d.calls)
		msgs.AssertExpectations(t)
	})

	t.Run("unknown conversation stays not found", func(t *testing.T) {
		parts := new(mockParticipantRepo)
		parts.On("ListParticipantIDs", mock.Anything, "conv-1").Return([]string{"alice"}, nil)
		msgs := new(mockMessageRepo)
		msgs.On("Append", mock.Anything, mock.Anything).Return(fmt.Errorf("conversation conv-1: %w", domain.ErrNotFound))

		svc, _ := newSvc(parts, msgs)
		_, err := svc.Send(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NotErrorIs(t, err, domain.ErrPersistence)
	})

	t.Run("participant lookup failure", func(t *testing.T) {
		parts := new(mockParticipantRepo)
		parts.On("ListParticipantIDs", mock.Anything, "conv-1").Return(nil, errors.New("timeout"))

		svc, _ := newSvc(parts, new(mockMessageRepo))
		_, err := svc.Send(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrPersistence)
	})
}
