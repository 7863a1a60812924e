package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"chatcore/internal/domain"
)

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	Seq            int64     `bson:"seq"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	Status         int       `bson:"status"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (d messageDoc) toDomain() *domain.Message {
	return &domain.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		Seq:            d.Seq,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Status:         domain.DeliveryStatus(d.Status),
		CreatedAt:      d.CreatedAt.UTC(),
	}
}

type MessageRepo struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	receipts      *mongo.Collection
	logger        *zap.Logger
}

func NewMessageRepo(db *mongo.Database, logger *zap.Logger) *MessageRepo {
	return &MessageRepo{
		conversations: db.Collection(collConversations),
		messages:      db.Collection(collMessages),
		receipts:      db.Collection(collReceipts),
		logger:        logger,
	}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	// Millisecond precision matches what BSON dates can hold.
	now := time.Now().UTC().Truncate(time.Millisecond)
	var conv conversationDoc
	err := r.conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": m.ConversationID},
		bson.M{"$inc": bson.M{"last_seq": int64(1)}, "$set": bson.M{"last_message_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	doc := messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            conv.LastSeq,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Status:         int(domain.StatusSent),
		CreatedAt:      now,
	}
	err = withRetry(ctx, r.logger, "insert_message", func(ctx context.Context) error {
		_, err := r.messages.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		r.logger.Error("message insert failed after seq was assigned",
			zap.String("conversation_id", m.ConversationID),
			zap.Int64("seq", conv.LastSeq),
			zap.Error(err),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	m.Seq = conv.LastSeq
	m.CreatedAt = now
	m.Status = domain.StatusSent
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var doc messageDoc
	err := r.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *MessageRepo) Tail(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	res, err := r.find(ctx, bson.M{"conversation_id": conversationID}, -1, limit)
	if err != nil {
		return nil, fmt.Errorf("tail messages: %w", err)
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (r *MessageRepo) ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	res, err := r.find(ctx, bson.M{"conversation_id": conversationID, "seq": bson.M{"$gt": afterSeq}}, 1, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return res, nil
}

func (r *MessageRepo) find(ctx context.Context, filter bson.M, order, limit int) ([]*domain.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var docs []messageDoc
	err := withRetry(ctx, r.logger, "find_messages", func(ctx context.Context) error {
		opts := options.Find().SetSort(bson.D{{Key: "seq", Value: order}}).SetLimit(int64(limit))
		cursor, err := r.messages.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		docs = docs[:0]
		return cursor.All(ctx, &docs)
	})
	if err != nil {
		return nil, err
	}

	res := make([]*domain.Message, 0, len(docs))
	for _, d := range docs {
		res = append(res, d.toDomain())
	}
	return res, nil
}

func (r *MessageRepo) PruneOld(ctx context.Context, conversationID string, keepLimit int) error {
	if keepLimit <= 0 {
		return nil
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var conv conversationDoc
	err := r.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	cutoff := conv.LastSeq - int64(keepLimit)
	if cutoff <= 0 {
		return nil
	}

	old := bson.M{"conversation_id": conversationID, "seq": bson.M{"$lte": cutoff}}
	cursor, err := r.messages.Find(ctx, old, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("select old messages: %w", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &ids); err != nil {
		return fmt.Errorf("decode old messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	msgIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		msgIDs = append(msgIDs, id.ID)
	}

	if _, err := r.receipts.DeleteMany(ctx, bson.M{"message_id": bson.M{"$in": msgIDs}}); err != nil {
		return fmt.Errorf("delete old receipts: %w", err)
	}
	if _, err := r.messages.DeleteMany(ctx, old); err != nil {
		return fmt.Errorf("delete old messages: %w", err)
	}
	return nil
}
