package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatcore/internal/domain"
)

type receiptDoc struct {
	ID          string    `bson:"_id"`
	MessageID   string    `bson:"message_id"`
	RecipientID string    `bson:"recipient_id"`
	Status      int       `bson:"status"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func receiptKey(messageID, recipientID string) string {
	return messageID + "|" + recipientID
}

func (d receiptDoc) toDomain() *domain.Receipt {
	return &domain.Receipt{
		MessageID:   d.MessageID,
		RecipientID: d.RecipientID,
		Status:      domain.DeliveryStatus(d.Status),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

type ReceiptRepo struct {
	receipts *mongo.Collection
	messages *mongo.Collection
}

func NewReceiptRepo(db *mongo.Database) *ReceiptRepo {
	return &ReceiptRepo{
		receipts: db.Collection(collReceipts),
		messages: db.Collection(collMessages),
	}
}

var _ domain.ReceiptRepository = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) CreateSent(ctx context.Context, messageID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(recipientIDs))
	for _, rid := range recipientIDs {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": receiptKey(messageID, rid)}).
			SetUpdate(bson.M{"$setOnInsert": bson.M{
				"message_id":   messageID,
				"recipient_id": rid,
				"status":       int(domain.StatusSent),
				"updated_at":   now,
			}}).
			SetUpsert(true))
	}
	if _, err := r.receipts.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("insert receipts: %w", err)
	}
	return nil
}

func (r *ReceiptRepo) Advance(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := r.receipts.UpdateOne(ctx,
		bson.M{"_id": receiptKey(messageID, recipientID), "status": bson.M{"$lt": int(status)}},
		bson.M{"$set": bson.M{"status": int(status), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("advance receipt: %w", err)
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}

	var lowest receiptDoc
	err = r.receipts.FindOne(ctx,
		bson.M{"message_id": messageID},
		options.FindOne().SetSort(bson.D{{Key: "status", Value: 1}}),
	).Decode(&lowest)
	if err != nil {
		return true, fmt.Errorf("read aggregate status: %w", err)
	}
	if _, err := r.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "status": bson.M{"$lt": lowest.Status}},
		bson.M{"$set": bson.M{"status": lowest.Status}},
	); err != nil {
		return true, fmt.Errorf("refresh message status: %w", err)
	}
	return true, nil
}

func (r *ReceiptRepo) Get(ctx context.Context, messageID, recipientID string) (*domain.Receipt, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var doc receiptDoc
	err := r.receipts.FindOne(ctx, bson.M{"_id": receiptKey(messageID, recipientID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *ReceiptRepo) ListForMessage(ctx context.Context, messageID string) ([]*domain.Receipt, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	cursor, err := r.receipts.Find(ctx,
		bson.M{"message_id": messageID},
		options.Find().SetSort(bson.D{{Key: "recipient_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	var docs []receiptDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	res := make([]*domain.Receipt, 0, len(docs))
	for _, d := range docs {
		res = append(res, d.toDomain())
	}
	return res, nil
}
