package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeliveryStatus is the lifecycle state of a message for one recipient.
// Values are ordered; a status never moves backwards.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota
	StatusDelivered
	StatusRead
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseDeliveryStatus is the inverse of String.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch s {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return 0, fmt.Errorf("%w: unknown delivery status %q", ErrValidation, s)
}

func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseDeliveryStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Conversation is owned outside this service; only its participant list and
// sequence counter are read here.
type Conversation struct {
	ID             string    `db:"id"`
	ParticipantIDs []string  `db:"-"`
	LastSeq        int64     `db:"last_seq"`
	LastMessageAt  time.Time `db:"last_message_at"`
}

// Message represents a single persisted chat message.
type Message struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	Seq            int64          `db:"seq"`
	SenderID       string         `db:"sender_id"`
	Content        string         `db:"content"` // encrypted at rest
	CreatedAt      time.Time      `db:"created_at"`
	Status         DeliveryStatus `db:"status"` // minimum over all recipients
}

// Receipt is the delivery state of one message for one recipient.
type Receipt struct {
	MessageID   string         `db:"message_id" json:"message_id"`
	RecipientID string         `db:"recipient_id" json:"recipient_id"`
	Status      DeliveryStatus `db:"status" json:"status"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// MailboxEntry is a message waiting for a disconnected recipient.
type MailboxEntry struct {
	Key            string    `json:"-"`
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Seq            int64     `json:"seq"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
