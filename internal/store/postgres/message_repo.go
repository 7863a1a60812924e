package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chatcore/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, seq, sender_id, content, status, created_at`

// Append takes the conversation row lock through the counter update, so
// concurrent writers to one conversation get consecutive sequence numbers.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_seq = last_seq + 1, last_message_at = NOW()
		WHERE id = $1
		RETURNING last_seq, last_message_at
	`, m.ConversationID).Scan(&m.Seq, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.ConversationID, m.Seq, m.SenderID, m.Content, int(domain.StatusSent), m.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.Status = domain.StatusSent
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) Tail(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) t ORDER BY seq ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail messages: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// PruneOld keeps the newest keepLimit messages; receipts go with them via
// ON DELETE CASCADE.
func (r *MessageRepo) PruneOld(ctx context.Context, conversationID string, keepLimit int) error {
	if keepLimit <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE conversation_id = $1
		  AND seq <= (SELECT last_seq FROM conversations WHERE id = $1) - $2
	`, conversationID, keepLimit)
	if err != nil {
		return fmt.Errorf("delete old messages: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var status int
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = domain.DeliveryStatus(status)
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
