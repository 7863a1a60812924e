package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatcore/internal/delivery"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
	"chatcore/internal/security"
)

// Dispatcher fans a persisted message out to its recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg protocol.MessageView, recipients []string) delivery.Plan
}

type Options struct {
	MaxMessageLength           int
	MessagePattern             string
	MaxMessagesPerConversation int
	PersistTimeout             time.Duration
	HistoryPageSize            int
}

type MessageService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	tracker       *delivery.Tracker
	encryptor     *security.Encryptor
	dispatcher    Dispatcher
	sequencer     *Sequencer
	validate      *validator.Validate
	log           *zap.Logger
	metrics       *metrics.Metrics

	pattern *regexp.Regexp
	opts    Options
}

func NewMessageService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	tracker *delivery.Tracker,
	encryptor *security.Encryptor,
	log *zap.Logger,
	m *metrics.Metrics,
	opts Options,
) (*MessageService, error) {
	var pattern *regexp.Regexp
	if opts.MessagePattern != "" {
		p, err := regexp.Compile(opts.MessagePattern)
		if err != nil {
			return nil, fmt.Errorf("compile message pattern: %w", err)
		}
		pattern = p
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 5000
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	return &MessageService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		tracker:       tracker,
		encryptor:     encryptor,
		sequencer:     NewSequencer(),
		validate:      validator.New(),
		log:           log,
		metrics:       m,
		pattern:       pattern,
		opts:          opts,
	}, nil
}

// SetDispatcher wires the fanout stage. The router needs the service for
// history, so the two are connected after construction.
func (s *MessageService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

type SendInput struct {
	ConversationID string `validate:"required,max=128"`
	SenderID       string `validate:"required,max=128"`
	Text           string `validate:"required"`
}

type SendResult struct {
	Message protocol.MessageView
	Plan    delivery.Plan
}

// Send validates, persists and fans out one chat message. Messages of one
// conversation are persisted and handed to the dispatcher one at a time, so
// every recipient sees them in seq order.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	in.Text = strings.TrimSpace(in.Text)
	if err := s.validateText(in); err != nil {
		return nil, err
	}

	participants, err := s.participants.ListParticipantIDs(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: list participants: %v", domain.ErrPersistence, err)
	}
	if !lo.Contains(participants, in.SenderID) {
		return nil, fmt.Errorf("%w: %s is not a participant of %s", domain.ErrForbidden, in.SenderID, in.ConversationID)
	}

	encrypted, err := s.encryptor.Encrypt(in.Text)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	unlock := s.sequencer.Lock(in.ConversationID)
	defer unlock()

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        encrypted,
	}
	started := time.Now()
	persistCtx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	err = s.messages.Append(persistCtx, msg)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	s.metrics.MessagePersisted(time.Since(started))

	// The message is durable now; a disconnecting sender must not stop its fanout.
	bg := context.WithoutCancel(ctx)
	recipients := lo.Without(participants, in.SenderID)
	if err := s.tracker.Init(bg, msg, recipients); err != nil {
		s.log.Error("init receipts failed", zap.String("message_id", msg.ID), zap.Error(err))
	}

	view := protocol.MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Sender:         msg.SenderID,
		Text:           in.Text,
		Status:         msg.Status,
		Time:           msg.CreatedAt,
	}

	var plan delivery.Plan
	if s.dispatcher != nil {
		plan = s.dispatcher.Dispatch(bg, view, recipients)
	}

	if s.opts.MaxMessagesPerConversation > 0 {
		if err := s.messages.PruneOld(bg, msg.ConversationID, s.opts.MaxMessagesPerConversation); err != nil {
			s.log.Warn("prune old messages failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		}
	}

	s.log.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.Int64("seq", msg.Seq),
		zap.Int("local", len(plan.Local)),
		zap.Int("remote", len(plan.Remote)),
		zap.Int("offline", len(plan.Offline)),
	)
	return &SendResult{Message: view, Plan: plan}, nil
}

func (s *MessageService) validateText(in SendInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if n := utf8.RuneCountInString(in.Text); n > s.opts.MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", domain.ErrValidation, n, s.opts.MaxMessageLength)
	}
	if s.pattern != nil && !s.pattern.MatchString(in.Text) {
		return fmt.Errorf("%w: message contains unsupported characters", domain.ErrValidation)
	}
	return nil
}

func (s *MessageService) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("%w: check participant: %v", domain.ErrPersistence, err)
	}
	return ok, nil
}

// HistoryPage is a slice of a conversation plus its current tail seq, which
// clients compare against the last seq they hold.
type HistoryPage struct {
	ConversationID string                 `json:"conversationId"`
	LastSeq        int64                  `json:"lastSeq"`
	Messages       []protocol.MessageView `json:"messages"`
}

// History returns messages after afterSeq, or the newest page when afterSeq
// is zero.
func (s *MessageService) History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) (*HistoryPage, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get conversation: %v", domain.ErrPersistence, err)
	}
	if !lo.Contains(conv.ParticipantIDs, userID) {
		return nil, domain.ErrForbidden
	}
	if limit <= 0 || limit > s.opts.HistoryPageSize {
		limit = s.opts.HistoryPageSize
	}

	var msgs []*domain.Message
	if afterSeq > 0 {
		msgs, err = s.messages.ListAfter(ctx, conversationID, afterSeq, limit)
	} else {
		msgs, err = s.messages.Tail(ctx, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return &HistoryPage{
		ConversationID: conversationID,
		LastSeq:        conv.LastSeq,
		Messages:       s.ToViews(msgs),
	}, nil
}

// RecentMessages serves the join-time backlog.
func (s *MessageService) RecentMessages(ctx context.Context, conversationID string, limit int) ([]protocol.MessageView, error) {
	msgs, err := s.messages.Tail(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return s.ToViews(msgs), nil
}

// Message looks up a stored message without decrypting it.
func (s *MessageService) Message(ctx context.Context, messageID string) (*domain.Message, error) {
	return s.messages.GetByID(ctx, messageID)
}

// MarkRead records that userID has read messageID and returns the message
// so callers can notify the room. changed is false for repeats.
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID string) (*domain.Message, bool, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.SenderID == userID {
		return msg, false, nil
	}
	changed, err := s.tracker.MarkRead(ctx, messageID, userID)
	if err != nil {
		return nil, false, err
	}
	return msg, changed, nil
}

func (s *MessageService) MarkDelivered(ctx context.Context, userID, messageID string) (bool, error) {
	return s.tracker.MarkDelivered(ctx, messageID, userID)
}

// Receipts lists per-recipient state; only participants may look.
func (s *MessageService) Receipts(ctx context.Context, callerID, messageID string) ([]*domain.Receipt, error) {
	msg, err := s.Message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsParticipant(ctx, msg.ConversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrForbidden
	}
	return s.tracker.Receipts(ctx, messageID)
}

// ToView decrypts m for clients. Content that does not decrypt is returned
// as stored, which covers rows written before encryption was enabled.
func (s *MessageService) ToView(m *domain.Message) protocol.MessageView {
	text := m.Content
	if dec, err := s.encryptor.Decrypt(m.Content); err == nil {
		text = dec
	}
	return protocol.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.SenderID,
		Text:           text,
		Status:         m.Status,
		Time:           m.CreatedAt,
	}
}

func (s *MessageService) ToViews(msgs []*domain.Message) []protocol.MessageView {
	return lo.Map(msgs, func(m *domain.Message, _ int) protocol.MessageView {
		return s.ToView(m)
	})
}
