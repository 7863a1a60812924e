// Package router decides, per recipient, how a message reaches them: a live
// connection on this node, a live connection on another node, or the
// recipient's offline mailbox.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatcore/internal/delivery"
	"chatcore/internal/domain"
	"chatcore/internal/fanout"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/protocol"
)

type Mailbox interface {
	Enqueue(ctx context.Context, e domain.MailboxEntry) (int, error)
	Pending(ctx context.Context, recipientID, conversationID string) ([]domain.MailboxEntry, error)
	Ack(ctx context.Context, entries []domain.MailboxEntry) error
}

type Tracker interface {
	MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error)
}

// History returns the newest limit messages of a conversation, ascending.
type History interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]protocol.MessageView, error)
}

type Config struct {
	InstanceID   string
	BacklogLimit int
	Heartbeat    time.Duration
	// CallbackTimeout bounds store work triggered from connection writers.
	CallbackTimeout time.Duration

	Presence  *presence.Registry
	Bus       fanout.Bus
	Directory *fanout.Directory
	Mailbox   Mailbox
	Tracker   Tracker
	History   History
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Router struct {
	self            string
	backlogLimit    int
	heartbeat       time.Duration
	callbackTimeout time.Duration

	presence  *presence.Registry
	bus       fanout.Bus
	directory *fanout.Directory
	mailbox   Mailbox
	tracker   Tracker
	history   History
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu          sync.Mutex
	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

func New(cfg Config) *Router {
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = 50
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{
		self:            cfg.InstanceID,
		backlogLimit:    cfg.BacklogLimit,
		heartbeat:       cfg.Heartbeat,
		callbackTimeout: cfg.CallbackTimeout,
		presence:        cfg.Presence,
		bus:             cfg.Bus,
		directory:       cfg.Directory,
		mailbox:         cfg.Mailbox,
		tracker:         cfg.Tracker,
		history:         cfg.History,
		log:             cfg.Logger.With(zap.String("instance", cfg.InstanceID)),
		metrics:         cfg.Metrics,
		now:             time.Now,
	}
}

// Start subscribes to the bus and begins heartbeating presence.
func (r *Router) Start(ctx context.Context) error {
	unsub, err := r.bus.Subscribe(r.self, r.handleEnvelope)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsubscribe = unsub
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.publishSnapshot(ctx)
	go r.heartbeatLoop(r.stop, r.done)
	return nil
}

// Close stops heartbeating and tells peers this node holds no presence.
func (r *Router) Close(ctx context.Context) {
	r.mu.Lock()
	stop, done, unsub := r.stop, r.done, r.unsubscribe
	r.stop, r.done, r.unsubscribe = nil, nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	if err := r.bus.Publish(ctx, fanout.Envelope{
		Kind:     fanout.KindPresence,
		Origin:   r.self,
		Presence: &fanout.PresenceUpdate{Snapshot: true},
	}); err != nil {
		r.log.Warn("final presence snapshot failed", zap.Error(err))
	}
	unsub()
}

func (r *Router) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeat)
			r.publishSnapshot(ctx)
			cancel()
			if n := r.directory.Evict(r.now()); n > 0 {
				r.log.Info("evicted silent instances from presence directory", zap.Int("count", n))
			}
		}
	}
}

func (r *Router) publishSnapshot(ctx context.Context) {
	var entries []fanout.PresenceEntry
	for userID, rooms := range r.presence.Snapshot() {
		for _, room := range rooms {
			entries = append(entries, fanout.PresenceEntry{UserID: userID, Room: room, Present: true})
		}
	}
	err := r.bus.Publish(ctx, fanout.Envelope{
		Kind:     fanout.KindPresence,
		Origin:   r.self,
		Presence: &fanout.PresenceUpdate{Snapshot: true, Entries: entries},
	})
	if err != nil {
		r.log.Warn("presence heartbeat failed", zap.Error(err))
	}
}

func (r *Router) announce(ctx context.Context, userID, room string, present bool) {
	err := r.bus.Publish(ctx, fanout.Envelope{
		Kind:   fanout.KindPresence,
		Origin: r.self,
		Presence: &fanout.PresenceUpdate{Entries: []fanout.PresenceEntry{
			{UserID: userID, Room: room, Present: present},
		}},
	})
	if err != nil {
		r.log.Warn("presence announcement failed",
			zap.String("user_id", userID),
			zap.String("room", room),
			zap.Error(err),
		)
	}
}

// Register makes conn addressable. It does not place it in any room.
func (r *Router) Register(conn presence.Conn) {
	r.presence.RegisterConnection(conn.UserID(), conn)
}

// Join places conn in room and, for the user's first connection there,
// tells peers and other nodes.
func (r *Router) Join(ctx context.Context, conn presence.Conn, room string) error {
	first, err := r.presence.JoinRoom(conn, room)
	if err != nil {
		return err
	}
	if first {
		r.announce(ctx, conn.UserID(), room, true)
		r.BroadcastRoom(ctx, room, protocol.PresenceFrame(protocol.TypeUserJoined, conn.UserID(), room), conn.UserID())
	}
	return nil
}

func (r *Router) Leave(ctx context.Context, conn presence.Conn, room string) {
	if r.presence.LeaveRoom(conn, room) {
		r.userLeft(ctx, conn.UserID(), room)
	}
}

// Disconnect forgets conn. Rooms the user no longer occupies are announced.
func (r *Router) Disconnect(ctx context.Context, conn presence.Conn) {
	for _, room := range r.presence.RemoveConnection(conn) {
		r.userLeft(ctx, conn.UserID(), room)
	}
}

func (r *Router) userLeft(ctx context.Context, userID, room string) {
	r.announce(ctx, userID, room, false)
	r.BroadcastRoom(ctx, room, protocol.PresenceFrame(protocol.TypeUserLeft, userID, room), userID)
}

// BroadcastRoom sends an ephemeral frame to everyone in room except the user
// exclude, on this node and others. Delivery is best effort; a cancelled ctx
// sends nothing.
func (r *Router) BroadcastRoom(ctx context.Context, room string, frame protocol.Frame, exclude string) {
	if ctx.Err() != nil {
		return
	}
	r.sendRoomLocal(room, frame, exclude)
	err := r.bus.Publish(ctx, fanout.Envelope{
		Kind:    fanout.KindRoom,
		Origin:  r.self,
		Room:    room,
		Exclude: exclude,
		Frame:   &frame,
	})
	if err != nil {
		r.log.Debug("room broadcast not published", zap.String("room", room), zap.Error(err))
	}
}

func (r *Router) sendRoomLocal(room string, frame protocol.Frame, exclude string) {
	for _, c := range r.presence.RoomConnections(room) {
		if c.UserID() == exclude {
			continue
		}
		c.TrySend(frame)
	}
}

// Dispatch routes msg to each recipient other than the sender and returns
// how each one was served. A recipient connected here gets the message on
// every local device; a recipient known only elsewhere is forwarded to
// those nodes; anyone else is spooled to their mailbox. When a local write
// or a forward fails, that recipient falls back to the mailbox.
func (r *Router) Dispatch(ctx context.Context, msg protocol.MessageView, recipients []string) delivery.Plan {
	var plan delivery.Plan
	remote := make(map[string][]string)
	mirror := make(map[string][]string)
	now := r.now()

	for _, rcpt := range lo.Uniq(lo.Without(recipients, msg.Sender)) {
		instances := r.directory.Locate(rcpt, msg.ConversationID, now)
		switch r.deliverLocal(rcpt, msg, true) {
		case localAccepted:
			plan.Local = append(plan.Local, rcpt)
			for _, inst := range instances {
				mirror[inst] = append(mirror[inst], rcpt)
			}
			continue
		case localFailed:
			// Already spooled by the failed connections.
			plan.Offline = append(plan.Offline, rcpt)
			continue
		}
		if len(instances) == 0 {
			r.Spool(ctx, rcpt, msg)
			plan.Offline = append(plan.Offline, rcpt)
			continue
		}
		for _, inst := range instances {
			remote[inst] = append(remote[inst], rcpt)
		}
	}

	forwarded := make(map[string]bool)
	failed := make(map[string]bool)
	for _, inst := range sortedKeys(remote) {
		users := remote[inst]
		if err := r.forward(ctx, inst, users, msg, false); err != nil {
			r.log.Warn("forward to instance failed, spooling",
				zap.String("target", inst),
				zap.Strings("recipients", users),
				zap.Error(err),
			)
			for _, u := range users {
				failed[u] = true
			}
			continue
		}
		for _, u := range users {
			forwarded[u] = true
		}
	}
	for _, u := range sortedKeys(failed) {
		// A user present on several nodes counts as remote if any forward went out.
		if forwarded[u] {
			continue
		}
		r.Spool(ctx, u, msg)
		plan.Offline = append(plan.Offline, u)
	}
	for _, u := range sortedKeys(forwarded) {
		plan.Remote = append(plan.Remote, u)
	}

	for _, inst := range sortedKeys(mirror) {
		if err := r.forward(ctx, inst, mirror[inst], msg, true); err != nil {
			r.log.Debug("mirror to instance failed", zap.String("target", inst), zap.Error(err))
		}
	}

	r.metrics.Delivered(metrics.PathLocal, len(plan.Local))
	r.metrics.Delivered(metrics.PathRemote, len(plan.Remote))
	r.metrics.Delivered(metrics.PathOffline, len(plan.Offline))
	return plan
}

func (r *Router) forward(ctx context.Context, inst string, users []string, msg protocol.MessageView, mirror bool) error {
	frame := protocol.NewMessageFrame(msg)
	return r.bus.Publish(ctx, fanout.Envelope{
		Kind:       fanout.KindDeliver,
		Origin:     r.self,
		Target:     inst,
		Recipients: users,
		Mirror:     mirror,
		Frame:      &frame,
	})
}

type localResult int

const (
	localAbsent localResult = iota
	localAccepted
	localFailed
)

// deliverLocal queues msg on every local connection rcpt has in the
// conversation. If no connection ends up writing it, the message is spooled
// once (when spool is set).
func (r *Router) deliverLocal(rcpt string, msg protocol.MessageView, spool bool) localResult {
	conns := r.presence.LocalConnectionsInRoom(rcpt, msg.ConversationID)
	if len(conns) == 0 {
		return localAbsent
	}

	d := &pendingDelivery{
		markDelivered: func() { r.markDelivered(rcpt, msg.ID) },
		spool: func() {
			if !spool {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.callbackTimeout)
			defer cancel()
			r.Spool(ctx, rcpt, msg)
		},
	}
	d.pending.Store(int32(len(conns)))

	frame := protocol.NewMessageFrame(msg)
	accepted := 0
	for _, c := range conns {
		if c.Send(protocol.Outbound{Frame: frame, OnWritten: d.written, OnDropped: d.release}) {
			accepted++
			continue
		}
		d.release()
	}
	if accepted == 0 {
		return localFailed
	}
	return localAccepted
}

// pendingDelivery joins the outcomes of one message queued on several
// connections of the same recipient.
type pendingDelivery struct {
	pending       atomic.Int32
	wrote         atomic.Bool
	deliveredOnce sync.Once
	spoolOnce     sync.Once
	markDelivered func()
	spool         func()
}

func (d *pendingDelivery) written() {
	d.wrote.Store(true)
	d.deliveredOnce.Do(d.markDelivered)
	d.release()
}

func (d *pendingDelivery) release() {
	if d.pending.Add(-1) == 0 && !d.wrote.Load() {
		d.spoolOnce.Do(d.spool)
	}
}

func (r *Router) markDelivered(recipientID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.callbackTimeout)
	defer cancel()
	if _, err := r.tracker.MarkDelivered(ctx, messageID, recipientID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.log.Warn("mark delivered failed",
			zap.String("message_id", messageID),
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
	}
}

// Spool stores msg in recipientID's mailbox. A full mailbox under the reject
// policy is logged, not surfaced; the message stays in history. Evictions
// are counted by the mailbox itself.
func (r *Router) Spool(ctx context.Context, recipientID string, msg protocol.MessageView) {
	_, err := r.mailbox.Enqueue(ctx, domain.MailboxEntry{
		RecipientID:    recipientID,
		SenderID:       msg.Sender,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		Text:           msg.Text,
		CreatedAt:      msg.Time,
	})
	if err != nil {
		r.log.Warn("spool to mailbox failed",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (r *Router) handleEnvelope(ctx context.Context, env fanout.Envelope) {
	if env.Origin == r.self {
		return
	}
	switch env.Kind {
	case fanout.KindDeliver:
		if env.Target != r.self || env.Frame == nil || env.Frame.Message == nil {
			return
		}
		msg := *env.Frame.Message
		for _, rcpt := range env.Recipients {
			if r.deliverLocal(rcpt, msg, !env.Mirror) == localAbsent && !env.Mirror {
				// The recipient left between the sender's lookup and now.
				r.Spool(ctx, rcpt, msg)
			}
		}
	case fanout.KindRoom:
		if env.Frame != nil {
			r.sendRoomLocal(env.Room, *env.Frame, env.Exclude)
		}
	case fanout.KindPresence:
		if env.Presence != nil {
			r.directory.Apply(env.Origin, *env.Presence, r.now())
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
