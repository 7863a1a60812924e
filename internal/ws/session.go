package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/protocol"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = int64(64 * 1024)
	sendBufSize    = 256
	inboundBufSize = 64
	// sendTimeout bounds how long a producer waits for egress space before the
	// frame is treated as undeliverable on this connection.
	sendTimeout = 2 * time.Second
)

type sessionState int

const (
	stateAuthenticated sessionState = iota
	stateJoined
	stateClosed
)

// Session is one authenticated websocket connection. A read pump feeds
// client events to a single consumer goroutine; a write pump owns every
// write to the socket.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	h      *Handler
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	egress  chan protocol.Outbound
	inbound chan protocol.Inbound

	sendMu sync.RWMutex
	closed bool

	closeOnce    sync.Once
	done         chan struct{}
	writerDone   chan struct{}
	consumerDone chan struct{}

	// owned by the consumer goroutine
	state   sessionState
	rooms   map[string]struct{}
	current string
}

func newSession(h *Handler, conn *websocket.Conn, userID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		id:           id,
		userID:       userID,
		conn:         conn,
		h:            h,
		log:          h.log.With(zap.String("session_id", id), zap.String("user_id", userID)),
		ctx:          ctx,
		cancel:       cancel,
		egress:       make(chan protocol.Outbound, sendBufSize),
		inbound:      make(chan protocol.Inbound, inboundBufSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		consumerDone: make(chan struct{}),
		state:        stateAuthenticated,
		rooms:        make(map[string]struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Send queues out, waiting up to sendTimeout for buffer space.
func (s *Session) Send(out protocol.Outbound) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case s.egress <- out:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.log.Warn("egress full, frame not queued", zap.String("type", out.Frame.Type))
		return false
	}
}

func (s *Session) TrySend(f protocol.Frame) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.egress <- protocol.Outbound{Frame: f}:
		return true
	default:
		return false
	}
}

// close stops the session. Once it returns no frame can be queued, so the
// write pump's final drain sees everything that was accepted.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.log.Debug("client disconnected")
			case errors.As(err, &ne) && ne.Timeout():
				s.log.Info("client timed out")
			case websocket.IsUnexpectedCloseError(err):
				s.log.Info("unexpected close", zap.Error(err))
			default:
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.h.metrics.EventError(domain.KindValidation)
			s.TrySend(protocol.ErrorFrame(domain.KindValidation, "malformed frame", ""))
			continue
		}
		in = in.Normalize()

		if in.Droppable() {
			select {
			case s.inbound <- in:
			default:
				s.log.Debug("inbound full, dropping", zap.String("type", in.Type))
			}
			continue
		}
		select {
		case s.inbound <- in:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
		s.drainEgress()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.done:
			return
		case out := <-s.egress:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(out.Frame); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				if out.OnDropped != nil {
					out.OnDropped()
				}
				return
			}
			if out.OnWritten != nil {
				out.OnWritten()
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// drainEgress runs the drop callbacks of frames that were queued but never
// written. close has already run, so nothing new can arrive.
func (s *Session) drainEgress() {
	for {
		select {
		case out := <-s.egress:
			if out.OnDropped != nil {
				out.OnDropped()
			}
		default:
			return
		}
	}
}

// run consumes client events one at a time until the session closes.
func (s *Session) run() {
	defer func() {
		s.state = stateClosed
		close(s.consumerDone)
	}()
	for {
		select {
		case <-s.done:
			return
		case in := <-s.inbound:
			s.handle(in)
		}
	}
}

func (s *Session) handle(in protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panic", zap.String("type", in.Type), zap.Any("panic", r), zap.Stack("stack"))
			s.h.metrics.EventError(domain.KindInternal)
			s.TrySend(protocol.ErrorFrame(domain.KindInternal, "internal error", in.ClientRef))
		}
	}()

	if err := protocol.Validate(in); err != nil {
		s.fail(err, in.ClientRef)
		return
	}
	if in.Type != protocol.TypeJoinRoom && s.state != stateJoined {
		s.fail(errNotJoined, in.ClientRef)
		return
	}

	switch in.Type {
	case protocol.TypeJoinRoom:
		s.onJoin(in)
	case protocol.TypeLeaveRoom:
		s.onLeave(in)
	case protocol.TypeChatMessage:
		s.onChat(in)
	case protocol.TypeMessageRead:
		s.onRead(in)
	case protocol.TypeMessageDelivered:
		s.onDelivered(in)
	case protocol.TypeTyping, protocol.TypeStopTyping:
		s.onTyping(in)
	}
}

// fail reports err to the client. The connection stays open.
func (s *Session) fail(err error, clientRef string) {
	kind := domain.ErrorKind(err)
	s.h.metrics.EventError(kind)
	if kind == domain.KindInternal || kind == domain.KindPersistence {
		s.log.Warn("event failed", zap.Error(err))
	} else {
		s.log.Debug("event rejected", zap.Error(err))
	}
	s.TrySend(protocol.ErrorFrame(kind, publicMessage(kind, err), clientRef))
}

func publicMessage(kind string, err error) string {
	switch kind {
	case domain.KindValidation:
		return err.Error()
	case domain.KindForbidden:
		return "not a participant of this conversation"
	case domain.KindNotFound:
		return "not found"
	case domain.KindPersistence:
		return "message could not be stored, retry later"
	default:
		return "internal error"
	}
}
