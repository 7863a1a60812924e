// Package mailbox is the per-user offline queue. Entries are kept in BadgerDB
// under mbox:{recipient}:{enqueued nanos}:{uuid} so a prefix scan yields one
// user's backlog in FIFO order.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore/internal/domain"
)

// Policy decides what happens when a mailbox is at capacity.
type Policy int

const (
	EvictOldest Policy = iota
	Reject
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "evict_oldest":
		return EvictOldest, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown mailbox policy %q", s)
}

// Sealer encrypts entry text at rest.
type Sealer interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

type Options struct {
	Capacity int
	Policy   Policy
	Sealer   Sealer
	// OnEvict is called with the number of entries dropped by EvictOldest.
	OnEvict func(n int)
}

const (
	keyPrefix      = "mbox:"
	maxTxnAttempts = 10
	baseRetryDelay = 5 * time.Millisecond
)

type Mailbox struct {
	db   *badger.DB
	log  *zap.Logger
	opts Options
	now  func() time.Time
}

func New(db *badger.DB, log *zap.Logger, opts Options) *Mailbox {
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	return &Mailbox{db: db, log: log, opts: opts, now: time.Now}
}

// Open opens a Badger database at dir; an empty dir gives an in-memory store.
func Open(dir string, log *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	return db, nil
}

func userPrefix(recipientID string) []byte {
	return []byte(keyPrefix + url.QueryEscape(recipientID) + ":")
}

func entryKey(recipientID string, at time.Time) string {
	return fmt.Sprintf("%s%019d:%s", userPrefix(recipientID), at.UnixNano(), uuid.NewString())
}

// Enqueue appends e to its recipient's mailbox and returns how many older
// entries were evicted to make room. Under the Reject policy a full mailbox
// yields domain.ErrMailboxFull.
func (m *Mailbox) Enqueue(ctx context.Context, e domain.MailboxEntry) (int, error) {
	if e.RecipientID == "" {
		return 0, fmt.Errorf("%w: mailbox entry without recipient", domain.ErrValidation)
	}
	now := m.now().UTC()
	e.EnqueuedAt = now
	e.Key = entryKey(e.RecipientID, now)

	value, err := m.encode(e)
	if err != nil {
		return 0, err
	}

	var evicted int
	err = m.update(ctx, func(txn *badger.Txn) error {
		evicted = 0
		keys := collectKeys(txn, userPrefix(e.RecipientID))
		if over := len(keys) - m.opts.Capacity + 1; over > 0 {
			if m.opts.Policy == Reject {
				return domain.ErrMailboxFull
			}
			for _, k := range keys[:over] {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			evicted = over
		}
		return txn.Set([]byte(e.Key), value)
	})
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		m.log.Warn("mailbox at capacity, evicted oldest entries",
			zap.String("recipient_id", e.RecipientID),
			zap.Int("evicted", evicted),
		)
		if m.opts.OnEvict != nil {
			m.opts.OnEvict(evicted)
		}
	}
	return evicted, nil
}

// DrainAll removes and returns every entry for recipientID in FIFO order.
// Entries enqueued concurrently are either returned or left for the next
// drain, never lost.
func (m *Mailbox) DrainAll(ctx context.Context, recipientID string) ([]domain.MailboxEntry, error) {
	var out []domain.MailboxEntry
	err := m.update(ctx, func(txn *badger.Txn) error {
		entries, err := m.scan(txn, recipientID, "")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := txn.Delete([]byte(e.Key)); err != nil {
				return err
			}
		}
		out = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pending returns the entries for recipientID without removing them. A
// non-empty conversationID restricts the result to that conversation.
func (m *Mailbox) Pending(ctx context.Context, recipientID, conversationID string) ([]domain.MailboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.MailboxEntry
	err := m.db.View(func(txn *badger.Txn) error {
		entries, err := m.scan(txn, recipientID, conversationID)
		out = entries
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}
	return out, nil
}

// Ack deletes entries previously returned by Pending. Acking twice is harmless.
func (m *Mailbox) Ack(ctx context.Context, entries []domain.MailboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return m.update(ctx, func(txn *badger.Txn) error {
		for _, e := range entries {
			if e.Key == "" {
				continue
			}
			if err := txn.Delete([]byte(e.Key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Mailbox) Len(ctx context.Context, recipientID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := m.db.View(func(txn *badger.Txn) error {
		n = len(collectKeys(txn, userPrefix(recipientID)))
		return nil
	})
	return n, err
}

// update runs fn in a read-write transaction, retrying on write conflicts
// with other enqueues or drains for the same user.
func (m *Mailbox) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * baseRetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = m.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("mailbox transaction: %w", err)
}

func collectKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func (m *Mailbox) scan(txn *badger.Txn, recipientID, conversationID string) ([]domain.MailboxEntry, error) {
	prefix := userPrefix(recipientID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []domain.MailboxEntry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var e domain.MailboxEntry
		if err := item.Value(func(v []byte) error {
			var err error
			e, err = m.decode(v)
			return err
		}); err != nil {
			return nil, err
		}
		if conversationID != "" && e.ConversationID != conversationID {
			continue
		}
		e.Key = string(item.KeyCopy(nil))
		out = append(out, e)
	}
	return out, nil
}

func (m *Mailbox) encode(e domain.MailboxEntry) ([]byte, error) {
	if m.opts.Sealer != nil {
		sealed, err := m.opts.Sealer.Encrypt(e.Text)
		if err != nil {
			return nil, fmt.Errorf("seal mailbox entry: %w", err)
		}
		e.Text = sealed
	}
	return json.Marshal(e)
}

func (m *Mailbox) decode(v []byte) (domain.MailboxEntry, error) {
	var e domain.MailboxEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return e, fmt.Errorf("decode mailbox entry: %w", err)
	}
	if m.opts.Sealer != nil {
		plain, err := m.opts.Sealer.Decrypt(e.Text)
		if err != nil {
			return e, fmt.Errorf("open mailbox entry: %w", err)
		}
		e.Text = plain
	}
	return e, nil
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
