package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the gateway, the resilient client
// and the sync engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	proxyRequests   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	clientAttempts  *prometheus.CounterVec
	clientFallbacks prometheus.Counter
	queueDepth      prometheus.Gauge
	syncPasses      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corsgate",
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by route and outcome.",
		}, []string{"route", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corsgate",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream round trip time by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corsgate",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		clientAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corsgate",
			Name:      "client_attempts_total",
			Help:      "Resilient client attempts by path and result.",
		}, []string{"path", "result"}),
		clientFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corsgate",
			Name:      "client_proxy_fallbacks_total",
			Help:      "Cross-origin failures re-issued through the gateway.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corsgate",
			Name:      "queue_pending_mutations",
			Help:      "Mutations waiting in the offline queue.",
		}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corsgate",
			Name:      "sync_passes_total",
			Help:      "Sync passes by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.proxyRequests,
			m.upstreamLatency,
			m.rateLimited,
			m.clientAttempts,
			m.clientFallbacks,
			m.queueDepth,
			m.syncPasses,
		)
	}
	return m
}

func (m *Metrics) ObserveProxy(route, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(route, outcome).Inc()
	if latency > 0 {
		m.upstreamLatency.WithLabelValues(route).Observe(latency.Seconds())
	}
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// ClientAttempt counts one resilient client attempt; path is "direct" or "proxy"
func (m *Metrics) ClientAttempt(path, result string) {
	if m == nil {
		return
	}
	m.clientAttempts.WithLabelValues(path, result).Inc()
}

func (m *Metrics) ClientFallback() {
	if m == nil {
		return
	}
	m.clientFallbacks.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SyncPass(result string) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(result).Inc()
}
