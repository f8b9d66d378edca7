package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProxy("mediawiki", "forwarded", time.Millisecond)
		m.RateLimited("mediawiki")
		m.ClientAttempt("direct", "ok")
		m.ClientFallback()
		m.QueueDepth(3)
		m.SyncPass("ok")
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveProxy("mediawiki", "forwarded", 20*time.Millisecond)
	m.ObserveProxy("mediawiki", "forwarded", 30*time.Millisecond)
	m.RateLimited("proxy")
	m.ClientAttempt("proxy", "ok")
	m.ClientFallback()
	m.QueueDepth(4)
	m.SyncPass("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proxyRequests.WithLabelValues("mediawiki", "forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("proxy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clientAttempts.WithLabelValues("proxy", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clientFallbacks))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncPasses.WithLabelValues("failed")))

	n, err := testutil.GatherAndCount(reg, "corsgate_upstream_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
