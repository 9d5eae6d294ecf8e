package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Billing metrics
	PlanTransitionsTotal *prometheus.CounterVec
	GatewayRequestsTotal *prometheus.CounterVec
	GatewayRetriesTotal  *prometheus.CounterVec
	WebhookEventsTotal   *prometheus.CounterVec

	// Quota metrics
	QuotaChecksTotal  *prometheus.CounterVec
	QuotaDenialsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// New creates a new Metrics instance registered on the default
// registry.
func New(namespace string) *Metrics {
	return NewWith(namespace, prometheus.DefaultRegisterer)
}

// NewWith creates a new Metrics instance registered on the given
// registerer. Tests pass a fresh registry to avoid duplicate
// registration.
func NewWith(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "quizmith"
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		PlanTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "plan_transitions_total",
				Help:      "Total number of plan transitions by kind and result",
			},
			[]string{"kind", "result"},
		),
		GatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "gateway_requests_total",
				Help:      "Total number of billing gateway requests",
			},
			[]string{"operation", "result"},
		),
		GatewayRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "gateway_retries_total",
				Help:      "Total number of billing gateway retries",
			},
			[]string{"operation"},
		),
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "webhook_events_total",
				Help:      "Total number of billing webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		QuotaChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "checks_total",
				Help:      "Total number of quota checks",
			},
			[]string{"result"},
		),
		QuotaDenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "denials_total",
				Help:      "Total number of denied requests by reason",
			},
			[]string{"reason"},
		),
		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
	}
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
