package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chatcore/internal/domain"
)

// Handler receives envelopes addressed to the subscribing instance and all
// broadcasts, including the subscriber's own.
type Handler func(ctx context.Context, env Envelope)

// Bus moves envelopes between instances. Delivery is at-most-once; envelopes
// from one publisher reach a subscriber in publish order.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(instanceID string, h Handler) (unsubscribe func(), err error)
	Close() error
}

var ErrClosed = errors.New("bus closed")

const memoryQueueSize = 1024

// MemoryBus connects instances living in one process. It backs single-node
// deployments and multi-node tests.
type MemoryBus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[string]*memorySub
	closed bool
}

type memorySub struct {
	queue chan Envelope
	done  chan struct{}
	once  sync.Once
}

func NewMemoryBus(log *zap.Logger) *MemoryBus {
	return &MemoryBus{log: log, subs: make(map[string]*memorySub)}
}

func (b *MemoryBus) Subscribe(instanceID string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.subs[instanceID]; exists {
		return nil, fmt.Errorf("instance %q already subscribed", instanceID)
	}
	sub := &memorySub{queue: make(chan Envelope, memoryQueueSize), done: make(chan struct{})}
	b.subs[instanceID] = sub

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case env := <-sub.queue:
				h(context.Background(), env)
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if b.subs[instanceID] == sub {
			delete(b.subs, instanceID)
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}, nil
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: %w", domain.ErrFanout, ErrClosed)
	}
	var targets []*memorySub
	if env.Kind == KindDeliver {
		if sub, ok := b.subs[env.Target]; ok {
			targets = append(targets, sub)
		}
	} else {
		for _, sub := range b.subs {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if env.Kind == KindDeliver && len(targets) == 0 {
		return fmt.Errorf("%w: no subscriber for instance %q", domain.ErrFanout, env.Target)
	}
	for _, sub := range targets {
		select {
		case sub.queue <- env:
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrFanout, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.done) })
		delete(b.subs, id)
	}
	return nil
}
