package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatcore/internal/fanout"
	"chatcore/internal/mailbox"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
)

func TestSpoolEvictionCountedOnce(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := mailbox.Open("", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	box := mailbox.New(db, log, mailbox.Options{Capacity: 1, OnEvict: m.MailboxEvicted})
	rt := New(Config{
		InstanceID: "node-a",
		Heartbeat:  time.Hour,
		Presence:   presence.NewRegistry(),
		Bus:        newBus(t),
		Directory:  fanout.NewDirectory("node-a", time.Minute),
		Mailbox:    box,
		Tracker:    &fakeTracker{},
		History:    &fakeHistory{},
		Logger:     log,
		Metrics:    m,
	})

	ctx := context.Background()
	rt.Spool(ctx, "bob", view(1))
	rt.Spool(ctx, "bob", view(2))

	expected := `
# HELP chat_mailbox_evictions_total Offline mailbox entries dropped to stay under capacity.
# TYPE chat_mailbox_evictions_total counter
chat_mailbox_evictions_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chat_mailbox_evictions_total"))

	pending, err := box.Pending(ctx, "bob", "conv-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].Seq)
}
