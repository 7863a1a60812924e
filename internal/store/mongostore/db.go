// Package mongostore implements the message store on MongoDB.
//
// MongoDB offers no multi-document transaction on a standalone server, so the
// sequence counter is advanced with an atomic $inc and the message inserted
// afterwards. A permanently failed insert leaves a gap in seq; readers treat
// seq as ordered, not dense.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	collConversations = "conversations"
	collMessages      = "messages"
	collReceipts      = "message_receipts"

	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second

	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
)

// Open connects to uri and returns the named database.
func Open(ctx context.Context, uri, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(database), nil
}

// EnsureIndexes creates the indexes the repositories rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if _, err := db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	if _, err := db.Collection(collReceipts).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "status", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("create receipt indexes: %w", err)
	}
	if _, err := db.Collection(collConversations).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	return nil
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

// withRetry runs op until it succeeds, fails with a non-retryable error or
// runs out of attempts.
func withRetry(ctx context.Context, log *zap.Logger, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, attempt); err != nil {
				return err
			}
			log.Warn("retrying mongo operation",
				zap.String("op", name),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}
		lastErr = op(ctx)
		if lastErr == nil || !isRetryableError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
