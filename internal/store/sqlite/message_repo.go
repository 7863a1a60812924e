package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/domain"
)

type MessageRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, seq, sender_id, content, status, created_at`

// Append bumps the conversation counter and inserts the message in one
// transaction, so a failed insert never consumes a sequence number.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_seq = last_seq + 1, last_message_at = ?
		WHERE id = ?
		RETURNING last_seq
	`, now.UnixNano(), m.ConversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, seq, m.SenderID, m.Content, int(domain.StatusSent), now.UnixNano()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.Seq = seq
	m.CreatedAt = now
	m.Status = domain.StatusSent
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
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
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail messages: %w", err)
	}
	res, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func (r *MessageRepo) ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// PruneOld keeps the newest keepLimit messages of the conversation.
func (r *MessageRepo) PruneOld(ctx context.Context, conversationID string, keepLimit int) error {
	if keepLimit <= 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM conversations WHERE id = ?`, conversationID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	cutoff := lastSeq - int64(keepLimit)
	if cutoff <= 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_receipts
		WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ? AND seq <= ?)
	`, conversationID, cutoff); err != nil {
		return fmt.Errorf("delete old receipts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND seq <= ?
	`, conversationID, cutoff); err != nil {
		return fmt.Errorf("delete old messages: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var status int
	var created int64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &status, &created); err != nil {
		return nil, err
	}
	m.Status = domain.DeliveryStatus(status)
	m.CreatedAt = fromNanos(created)
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
