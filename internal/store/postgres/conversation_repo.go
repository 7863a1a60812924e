package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, c.ID); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for pos, uid := range c.ParticipantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, c.ID, uid, pos); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	c := &domain.Conversation{ID: id}
	var lastAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT last_seq, last_message_at FROM conversations WHERE id = $1
	`, id).Scan(&c.LastSeq, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if lastAt.Valid {
		c.LastMessageAt = lastAt.Time
	}

	ids, err := listParticipants(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = ids
	return c, nil
}
