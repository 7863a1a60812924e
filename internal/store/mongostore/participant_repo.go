package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatcore/internal/domain"
)

type ParticipantRepo struct {
	coll *mongo.Collection
}

func NewParticipantRepo(db *mongo.Database) *ParticipantRepo {
	return &ParticipantRepo{coll: db.Collection(collConversations)}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

func (r *ParticipantRepo) ListParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var doc struct {
		Participants []string `bson:"participants"`
	}
	err := r.coll.FindOne(ctx,
		bson.M{"_id": conversationID},
		options.FindOne().SetProjection(bson.M{"participants": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return doc.Participants, nil
}

func (r *ParticipantRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	n, err := r.coll.CountDocuments(ctx,
		bson.M{"_id": conversationID, "participants": userID},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return n > 0, nil
}
