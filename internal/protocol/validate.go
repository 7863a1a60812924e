package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"chatcore/internal/domain"
)

var validate = validator.New()

type roomPayload struct {
	ConversationID string `validate:"required,max=128"`
}

type chatPayload struct {
	Text           string `validate:"required"`
	ConversationID string `validate:"omitempty,max=128"`
	ClientRef      string `validate:"omitempty,max=64"`
}

type messageRefPayload struct {
	MessageID string `validate:"required,max=64"`
}

type typingPayload struct {
	ConversationID string `validate:"omitempty,max=128"`
}

// Validate checks the payload shape required by in.Type. Content rules for
// chat text (length, character set) are applied by the message service.
func Validate(in Inbound) error {
	var target any
	switch in.Type {
	case TypeJoinRoom, TypeLeaveRoom:
		target = roomPayload{ConversationID: in.ConversationID}
	case TypeChatMessage:
		target = chatPayload{Text: in.Text, ConversationID: in.ConversationID, ClientRef: in.ClientRef}
	case TypeMessageRead, TypeMessageDelivered:
		target = messageRefPayload{MessageID: in.MessageID}
	case TypeTyping, TypeStopTyping:
		target = typingPayload{ConversationID: in.ConversationID}
	case "":
		return fmt.Errorf("%w: missing event type", domain.ErrValidation)
	default:
		return fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, in.Type)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrValidation, in.Type, err)
	}
	return nil
}
