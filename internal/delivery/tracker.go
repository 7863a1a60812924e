package delivery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatcore/internal/domain"
)

// Tracker owns the sent -> delivered -> read lifecycle of each
// (message, recipient) pair. Transitions are idempotent and never regress.
type Tracker struct {
	receipts domain.ReceiptRepository
	log      *zap.Logger
}

func NewTracker(receipts domain.ReceiptRepository, log *zap.Logger) *Tracker {
	return &Tracker{receipts: receipts, log: log}
}

// Init records msg as sent to every recipient.
func (t *Tracker) Init(ctx context.Context, msg *domain.Message, recipientIDs []string) error {
	if err := t.receipts.CreateSent(ctx, msg.ID, recipientIDs); err != nil {
		return fmt.Errorf("%w: init receipts: %v", domain.ErrPersistence, err)
	}
	return nil
}

// MarkDelivered reports whether the call changed state.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error) {
	return t.advance(ctx, messageID, recipientID, domain.StatusDelivered)
}

// MarkRead implies delivery; reading an undelivered message jumps straight to read.
func (t *Tracker) MarkRead(ctx context.Context, messageID, recipientID string) (bool, error) {
	return t.advance(ctx, messageID, recipientID, domain.StatusRead)
}

func (t *Tracker) advance(ctx context.Context, messageID, recipientID string, status domain.DeliveryStatus) (bool, error) {
	changed, err := t.receipts.Advance(ctx, messageID, recipientID, status)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if changed {
		t.log.Debug("receipt advanced",
			zap.String("message_id", messageID),
			zap.String("recipient_id", recipientID),
			zap.Stringer("status", status),
		)
		return true, nil
	}
	// No row moved: either already at or past status, or not a recipient.
	if _, err := t.receipts.Get(ctx, messageID, recipientID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("receipt %s/%s: %w", messageID, recipientID, domain.ErrNotFound)
		}
		return false, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return false, nil
}

// Status returns the state of messageID for one recipient.
func (t *Tracker) Status(ctx context.Context, messageID, recipientID string) (domain.DeliveryStatus, error) {
	rc, err := t.receipts.Get(ctx, messageID, recipientID)
	if err != nil {
		return domain.StatusSent, err
	}
	return rc.Status, nil
}

func (t *Tracker) Receipts(ctx context.Context, messageID string) ([]*domain.Receipt, error) {
	return t.receipts.ListForMessage(ctx, messageID)
}
