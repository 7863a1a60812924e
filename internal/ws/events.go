package ws

import (
	"fmt"

	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/protocol"
	"chatcore/internal/service"
)

var errNotJoined = fmt.Errorf("%w: join a conversation first", domain.ErrValidation)

// room resolves the conversation an event targets: the one named in the
// event, or the most recently joined one.
func (s *Session) room(in protocol.Inbound) (string, error) {
	room := in.ConversationID
	if room == "" {
		room = s.current
	}
	if _, ok := s.rooms[room]; !ok || room == "" {
		return "", fmt.Errorf("%w: not joined to %q", domain.ErrValidation, room)
	}
	return room, nil
}

// joinedMessage loads the message a receipt event names. Receipts only move
// for conversations this session has joined.
func (s *Session) joinedMessage(in protocol.Inbound) (*domain.Message, error) {
	msg, err := s.h.svc.Message(s.ctx, in.MessageID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.rooms[msg.ConversationID]; !ok {
		return nil, fmt.Errorf("%w: not joined to %q", domain.ErrValidation, msg.ConversationID)
	}
	return msg, nil
}

func (s *Session) onJoin(in protocol.Inbound) {
	room := in.ConversationID
	ok, err := s.h.svc.IsParticipant(s.ctx, room, s.userID)
	if err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	if !ok {
		s.fail(domain.ErrForbidden, in.ClientRef)
		return
	}
	if err := s.h.router.Join(s.ctx, s, room); err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	s.rooms[room] = struct{}{}
	s.current = room
	s.state = stateJoined
	s.log.Debug("joined room", zap.String("room", room))

	if err := s.h.router.Backlog(s.ctx, s, room); err != nil {
		s.log.Warn("backlog not sent", zap.String("room", room), zap.Error(err))
	}
}

func (s *Session) onLeave(in protocol.Inbound) {
	room, err := s.room(in)
	if err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	s.h.router.Leave(s.ctx, s, room)
	delete(s.rooms, room)
	if s.current == room {
		s.current = ""
		for r := range s.rooms {
			s.current = r
			break
		}
	}
	if len(s.rooms) == 0 {
		s.state = stateAuthenticated
	}
}

func (s *Session) onChat(in protocol.Inbound) {
	room, err := s.room(in)
	if err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	res, err := s.h.svc.Send(s.ctx, service.SendInput{
		ConversationID: room,
		SenderID:       s.userID,
		Text:           in.Text,
	})
	if err != nil {
		kind := domain.ErrorKind(err)
		s.h.metrics.EventError(kind)
		s.log.Info("chat message failed", zap.String("room", room), zap.Error(err))
		// The sender must learn about the failure, so wait for queue space.
		s.Send(protocol.Outbound{Frame: protocol.ErrorFrame(kind, publicMessage(kind, err), in.ClientRef)})
		return
	}
	s.Send(protocol.Outbound{Frame: protocol.AckFrame(in.ClientRef, res.Message)})
}

func (s *Session) onRead(in protocol.Inbound) {
	if _, err := s.joinedMessage(in); err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	msg, changed, err := s.h.svc.MarkRead(s.ctx, s.userID, in.MessageID)
	if err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	if !changed {
		return
	}
	s.h.router.BroadcastRoom(s.ctx, msg.ConversationID, protocol.Frame{
		Type:           protocol.TypeMessageRead,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         s.userID,
	}, s.userID)
}

func (s *Session) onDelivered(in protocol.Inbound) {
	if _, err := s.joinedMessage(in); err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	if _, err := s.h.svc.MarkDelivered(s.ctx, s.userID, in.MessageID); err != nil {
		s.fail(err, in.ClientRef)
	}
}

func (s *Session) onTyping(in protocol.Inbound) {
	room, err := s.room(in)
	if err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	s.h.router.BroadcastRoom(s.ctx, room, protocol.Frame{
		Type:           in.Type,
		ConversationID: room,
		UserID:         s.userID,
	}, s.userID)
}
