package tvtap

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons recorded when traffic is not emitted.
const (
	DropHost    = "host"
	DropMethod  = "method"
	DropContent = "content"
	DropNoFrame = "no_frame"
	DropSink    = "sink_error"
	DropPanic   = "panic"
)

// Metrics holds all Prometheus metrics for the tap and its proxy.
type Metrics struct {
	recordsEmitted   *prometheus.CounterVec
	trafficDropped   *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	wsMessages       *prometheus.CounterVec
	webhookPosts     *prometheus.CounterVec
	lineEvents       *prometheus.CounterVec
	activeConns      prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		recordsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "records_emitted_total",
			Help:      "Records written to the output stream.",
		}, []string{"event"}),

		trafficDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "traffic_dropped_total",
			Help:      "Observed traffic that produced no record.",
		}, []string{"event", "reason"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "proxy_requests_total",
			Help:      "Requests handled by the proxy.",
		}, []string{"method", "scheme"}),

		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "websocket_messages_total",
			Help:      "WebSocket data messages relayed by the proxy.",
		}, []string{"dir"}),

		webhookPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "webhook_posts_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),

		lineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "horzline_events_total",
			Help:      "Horizontal line additions and removals seen in chart saves.",
		}, []string{"kind"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tvtap",
			Name:      "active_connections",
			Help:      "Number of active proxy connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tvtap",
			Name:      "cert_cache_size",
			Help:      "Number of cached TLS certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvtap",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.recordsEmitted,
		m.trafficDropped,
		m.requestsTotal,
		m.wsMessages,
		m.webhookPosts,
		m.lineEvents,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// All recorders are nil-safe so components can hold an optional *Metrics.

// RecordEmitted counts a record written for event.
func (m *Metrics) RecordEmitted(event string) {
	if m == nil {
		return
	}
	m.recordsEmitted.WithLabelValues(event).Inc()
}

// RecordDropped counts traffic for event that was filtered out or failed.
func (m *Metrics) RecordDropped(event, reason string) {
	if m == nil {
		return
	}
	m.trafficDropped.WithLabelValues(event, reason).Inc()
}

// RecordRequest records a proxied request.
func (m *Metrics) RecordRequest(method, scheme string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordWebSocketMessage records a relayed WebSocket data message.
func (m *Metrics) RecordWebSocketMessage(dir string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(dir).Inc()
}

// RecordWebhook records a webhook delivery outcome: sent, failed or dropped.
func (m *Metrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookPosts.WithLabelValues(outcome).Inc()
}

// RecordLineEvent records a horizontal line event: add or remove.
func (m *Metrics) RecordLineEvent(kind string) {
	if m == nil {
		return
	}
	m.lineEvents.WithLabelValues(kind).Inc()
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	if m == nil {
		return
	}
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	if m == nil {
		return
	}
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	if m == nil {
		return
	}
	m.certCacheMisses.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	if m == nil {
		return
	}
	m.tlsHandshakeErrs.Inc()
}
