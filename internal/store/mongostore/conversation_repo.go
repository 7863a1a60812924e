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

type conversationDoc struct {
	ID            string    `bson:"_id"`
	Participants  []string  `bson:"participants"`
	LastSeq       int64     `bson:"last_seq"`
	LastMessageAt time.Time `bson:"last_message_at,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

type ConversationRepo struct {
	coll *mongo.Collection
}

func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{coll: db.Collection(collConversations)}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	participants := c.ParticipantIDs
	if participants == nil {
		participants = []string{}
	}
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{
			"$setOnInsert": bson.M{"last_seq": int64(0), "created_at": time.Now().UTC()},
			"$addToSet":    bson.M{"participants": bson.M{"$each": participants}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var doc conversationDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &domain.Conversation{
		ID:             doc.ID,
		ParticipantIDs: doc.Participants,
		LastSeq:        doc.LastSeq,
		LastMessageAt:  doc.LastMessageAt,
	}, nil
}
