package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/domain"
)

type ReceiptRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewReceiptRepo(db *sql.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db, now: time.Now}
}

var _ domain.ReceiptRepository = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) CreateSent(ctx context.Context, messageID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now().UnixNano()
	for _, rid := range recipientIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (message_id, recipient_id, status, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (message_id, recipient_id) DO NOTHING
		`, messageID, rid, int(domain.StatusSent), now); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
	}
	return tx.Commit()
}

// Advance only ever raises a status; the guard in the WHERE clause makes
// repeated and out-of-order updates no-ops.
func (r *ReceiptRepo) Advance(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE message_receipts
		SET status = ?, updated_at = ?
		WHERE message_id = ? AND recipient_id = ? AND status < ?
	`, int(status), r.now().UnixNano(), messageID, recipientID, int(status))
	if err != nil {
		return false, fmt.Errorf("advance receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = (SELECT MIN(status) FROM message_receipts WHERE message_id = ?)
		WHERE id = ?
		  AND status < (SELECT MIN(status) FROM message_receipts WHERE message_id = ?)
	`, messageID, messageID, messageID); err != nil {
		return false, fmt.Errorf("refresh message status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *ReceiptRepo) Get(ctx context.Context, messageID, recipientID string) (*domain.Receipt, error) {
	rc := &domain.Receipt{MessageID: messageID, RecipientID: recipientID}
	var status int
	var updated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT status, updated_at FROM message_receipts
		WHERE message_id = ? AND recipient_id = ?
	`, messageID, recipientID).Scan(&status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	rc.Status = domain.DeliveryStatus(status)
	rc.UpdatedAt = fromNanos(updated)
	return rc, nil
}

func (r *ReceiptRepo) ListForMessage(ctx context.Context, messageID string) ([]*domain.Receipt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient_id, status, updated_at FROM message_receipts
		WHERE message_id = ?
		ORDER BY recipient_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var res []*domain.Receipt
	for rows.Next() {
		rc := &domain.Receipt{MessageID: messageID}
		var status int
		var updated int64
		if err := rows.Scan(&rc.RecipientID, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		rc.Status = domain.DeliveryStatus(status)
		rc.UpdatedAt = fromNanos(updated)
		res = append(res, rc)
	}
	return res, rows.Err()
}
