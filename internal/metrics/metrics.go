package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport labels.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Collector owns the relay's Prometheus series. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	sessions        prometheus.Gauge
	activeRequests  *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	tickets         *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
	firstToken      *prometheus.HistogramVec
	persistFailures *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamchat_sessions_open",
			Help: "Open WebSocket sessions.",
		}),
		activeRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamchat_requests_active",
			Help: "Chat requests currently streaming.",
		}, []string{"transport"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_requests_total",
			Help: "Chat requests by transport and terminal outcome.",
		}, []string{"transport", "outcome"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_tickets_total",
			Help: "Ticket exchange operations by result.",
		}, []string{"result"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		firstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamchat_first_token_seconds",
			Help:    "Latency between request start and the first streamed token.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"transport"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamchat_persist_failures_total",
			Help: "Best-effort persistence operations that failed.",
		}, []string{"op"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessions,
		c.activeRequests,
		c.requests,
		c.tickets,
		c.rateLimitHits,
		c.firstToken,
		c.persistFailures,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionOpened increments open sessions.
func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessions.Inc()
	}
}

// SessionClosed decrements open sessions.
func (c *Collector) SessionClosed() {
	if c != nil {
		c.sessions.Dec()
	}
}

// RequestStarted marks a request as streaming.
func (c *Collector) RequestStarted(transport string) {
	if c != nil {
		c.activeRequests.WithLabelValues(transport).Inc()
	}
}

// RequestFinished records the terminal outcome of a request started with
// RequestStarted.
func (c *Collector) RequestFinished(transport, outcome string) {
	if c == nil {
		return
	}
	c.activeRequests.WithLabelValues(transport).Dec()
	c.requests.WithLabelValues(transport, outcome).Inc()
}

// RequestRejected counts a request refused before it started streaming.
func (c *Collector) RequestRejected(transport string) {
	if c != nil {
		c.requests.WithLabelValues(transport, "rejected").Inc()
	}
}

// FirstToken observes time to first token.
func (c *Collector) FirstToken(transport string, d time.Duration) {
	if c != nil {
		c.firstToken.WithLabelValues(transport).Observe(d.Seconds())
	}
}

// Ticket counts a ticket operation by result, such as "issued" or "rejected".
func (c *Collector) Ticket(result string) {
	if c != nil {
		c.tickets.WithLabelValues(result).Inc()
	}
}

// RateLimitHit counts a rejection on route.
func (c *Collector) RateLimitHit(route string) {
	if c != nil {
		c.rateLimitHits.WithLabelValues(route).Inc()
	}
}

// PersistFailure counts a failed best-effort write.
func (c *Collector) PersistFailure(op string) {
	if c != nil {
		c.persistFailures.WithLabelValues(op).Inc()
	}
}
