package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/internal/domain"
)

type ReceiptRepo struct {
	db *sql.DB
}

func NewReceiptRepo(db *sql.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

var _ domain.ReceiptRepository = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) CreateSent(ctx context.Context, messageID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, recipient_id, status)
		SELECT $1, rid, $3 FROM unnest($2::text[]) AS rid
		ON CONFLICT (message_id, recipient_id) DO NOTHING
	`, messageID, recipientIDs, int(domain.StatusSent))
	if err != nil {
		return fmt.Errorf("insert receipts: %w", err)
	}
	return nil
}

func (r *ReceiptRepo) Advance(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE message_receipts
		SET status = $3, updated_at = NOW()
		WHERE message_id = $1 AND recipient_id = $2 AND status < $3
	`, messageID, recipientID, int(status))
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
		UPDATE messages m
		SET status = agg.min_status
		FROM (SELECT MIN(status) AS min_status FROM message_receipts WHERE message_id = $1) agg
		WHERE m.id = $1 AND m.status < agg.min_status
	`, messageID); err != nil {
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
	err := r.db.QueryRowContext(ctx, `
		SELECT status, updated_at FROM message_receipts
		WHERE message_id = $1 AND recipient_id = $2
	`, messageID, recipientID).Scan(&status, &rc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	rc.Status = domain.DeliveryStatus(status)
	return rc, nil
}

func (r *ReceiptRepo) ListForMessage(ctx context.Context, messageID string) ([]*domain.Receipt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient_id, status, updated_at FROM message_receipts
		WHERE message_id = $1
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
		if err := rows.Scan(&rc.RecipientID, &status, &rc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		rc.Status = domain.DeliveryStatus(status)
		res = append(res, rc)
	}
	return res, rows.Err()
}
