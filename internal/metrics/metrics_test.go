package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Delivered(PathLocal, 2)
	m.Delivered(PathOffline, 1)
	m.Delivered(PathRemote, 0)
	m.MessagePersisted(3 * time.Millisecond)
	m.EventError("")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues(PathLocal)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.deliveries.WithLabelValues(PathRemote)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventErrors.WithLabelValues("internal")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.HandshakeFailed("token")
		m.MessagePersisted(time.Second)
		m.Delivered(PathLocal, 1)
		m.MailboxEvicted(3)
		m.EventError("validation")
	})
}
