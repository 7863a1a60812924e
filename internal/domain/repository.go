package domain

import (
	"context"
)

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Append assigns m.ID (when empty), m.Seq and m.CreatedAt. The sequence
	// number is one greater than the conversation's previous tail.
	Append(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	// Tail returns the newest limit messages in ascending seq order.
	Tail(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// ListAfter returns up to limit messages with seq > afterSeq, ascending.
	ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error)
	PruneOld(ctx context.Context, conversationID string, keepLimit int) error
}

// ReceiptRepository stores per-recipient delivery state.
type ReceiptRepository interface {
	// CreateSent inserts a sent receipt for every recipient; existing rows are kept.
	CreateSent(ctx context.Context, messageID string, recipientIDs []string) error
	// Advance moves the receipt to status if that is a forward move and
	// reports whether a row changed. The message aggregate is refreshed.
	Advance(ctx context.Context, messageID, recipientID string, status DeliveryStatus) (bool, error)
	Get(ctx context.Context, messageID, recipientID string) (*Receipt, error)
	ListForMessage(ctx context.Context, messageID string) ([]*Receipt, error)
}

// ParticipantRepository reads conversation membership.
type ParticipantRepository interface {
	ListParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// ConversationRepository reads conversation records. Conversations are
// created by an external service; Create exists for seeding and tests.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
}
