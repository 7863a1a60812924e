// Package ws serves the websocket endpoint: handshake authentication,
// per-connection sessions and client event handling.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/protocol"
	"chatcore/internal/service"
)

// MessageService is the part of the message pipeline sessions call into.
type MessageService interface {
	Send(ctx context.Context, in service.SendInput) (*service.SendResult, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Message(ctx context.Context, messageID string) (*domain.Message, error)
	MarkRead(ctx context.Context, userID, messageID string) (*domain.Message, bool, error)
	MarkDelivered(ctx context.Context, userID, messageID string) (bool, error)
}

// Router places sessions in rooms and moves frames between them.
type Router interface {
	Register(conn presence.Conn)
	Join(ctx context.Context, conn presence.Conn, room string) error
	Leave(ctx context.Context, conn presence.Conn, room string)
	Disconnect(ctx context.Context, conn presence.Conn)
	BroadcastRoom(ctx context.Context, room string, frame protocol.Frame, exclude string)
	Backlog(ctx context.Context, conn presence.Conn, room string) error
}

type Options struct {
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
}

// Handler upgrades authenticated requests on /ws and owns the resulting sessions.
type Handler struct {
	gate     *Gatekeeper
	upgrader websocket.Upgrader
	svc      MessageService
	router   Router
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func NewHandler(gate *Gatekeeper, svc MessageService, rt Router, log *zap.Logger, m *metrics.Metrics, opts Options) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Handler{
		gate: gate,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      makeCheckOrigin(opts.AllowedOrigins),
			Subprotocols:     []string{"bearer"},
		},
		svc:      svc,
		router:   rt,
		log:      log,
		metrics:  m,
		sessions: make(map[*Session]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.upgrader.CheckOrigin(r) {
		h.metrics.HandshakeFailed("origin")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	userID, err := h.gate.Authenticate(r)
	if err != nil {
		h.metrics.HandshakeFailed(failureReason(err))
		h.log.Debug("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, domain.ErrAuthentication.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.HandshakeFailed("upgrade")
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := newSession(h, conn, userID)
	if !h.track(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.untrack(s)

	h.router.Register(s)
	h.metrics.SessionOpened()
	s.log.Info("session opened")

	go s.writePump()
	go s.run()
	s.readPump()

	<-s.consumerDone
	<-s.writerDone
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.router.Disconnect(ctx, s)
	cancel()
	h.metrics.SessionClosed()
	s.log.Info("session closed")
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown closes every session and waits for their cleanup, or for ctx.
// New handshakes are refused from the first call on.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		s.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
