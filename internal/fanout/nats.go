package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"chatcore/internal/domain"
)

// NATSBus maps envelopes onto core NATS subjects:
//
//	<prefix>.deliver.<instance>  targeted chat deliveries
//	<prefix>.room                ephemeral room events
//	<prefix>.presence            presence snapshots and deltas
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// DialNATS connects to url and keeps reconnecting forever.
func DialNATS(url, name string, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func NewNATSBus(nc *nats.Conn, prefix string, log *zap.Logger) *NATSBus {
	if prefix == "" {
		prefix = "chat"
	}
	return &NATSBus{nc: nc, prefix: prefix, log: log}
}

// subjectToken makes an instance id usable as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func (b *NATSBus) deliverSubject(instanceID string) string {
	return b.prefix + ".deliver." + subjectToken(instanceID)
}

func (b *NATSBus) subject(env Envelope) (string, error) {
	switch env.Kind {
	case KindDeliver:
		if env.Target == "" {
			return "", fmt.Errorf("deliver envelope without target")
		}
		return b.deliverSubject(env.Target), nil
	case KindRoom:
		return b.prefix + ".room", nil
	case KindPresence:
		return b.prefix + ".presence", nil
	}
	return "", fmt.Errorf("unknown envelope kind %q", env.Kind)
}

func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrFanout, err)
	}
	subj, err := b.subject(env)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFanout, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", domain.ErrFanout, err)
	}
	if err := b.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrFanout, subj, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(instanceID string, h Handler) (func(), error) {
	cb := func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("dropping malformed envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		h(context.Background(), env)
	}

	var subs []*nats.Subscription
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, subj := range []string{b.deliverSubject(instanceID), b.prefix + ".room", b.prefix + ".presence"} {
		s, err := b.nc.Subscribe(subj, cb)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subj, err)
		}
		subs = append(subs, s)
	}
	if err := b.nc.Flush(); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
