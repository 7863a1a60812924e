package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"chatcore/internal/domain"
)

type ParticipantRepo struct {
	db *sql.DB
}

func NewParticipantRepo(db *sql.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

func (r *ParticipantRepo) ListParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	return listParticipants(ctx, r.db, conversationID)
}

func (r *ParticipantRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists int
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = ? AND user_id = ?
		)
	`, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists == 1, nil
}

func listParticipants(ctx context.Context, db *sql.DB, conversationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position, user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
