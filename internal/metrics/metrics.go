// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Exchange outcomes.
const (
	OutcomeProxied      = "proxied"
	OutcomeShortCircuit = "short_circuit"
	OutcomeDialFailed   = "dial_failed"
	OutcomeError        = "error"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Admin HTTP surface.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Relay engine.
	ConnectionsAccepted *prometheus.CounterVec
	Exchanges           *prometheus.CounterVec
	ExchangeDuration    *prometheus.HistogramVec
	ActivePairings      prometheus.Gauge
	DialDuration        *prometheus.HistogramVec
	UpstreamResponses   *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_admin_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_admin_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_admin_requests_in_flight",
			Help: "Number of admin HTTP requests currently being processed.",
		}),

		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_connections_accepted_total",
			Help: "Inbound connections by detected protocol.",
		}, []string{"mode"}),

		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_exchanges_total",
			Help: "Completed request exchanges by method and outcome.",
		}, []string{"method", "outcome"}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_exchange_duration_seconds",
			Help:    "Time from a complete request to its forwarded response.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		ActivePairings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_active_pairings",
			Help: "Number of live inbound/upstream connection pairs.",
		}),

		DialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_upstream_dial_duration_seconds",
			Help:    "Upstream connect and handshake latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"scheme", "result"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ConnectionsAccepted,
		m.Exchanges,
		m.ExchangeDuration,
		m.ActivePairings,
		m.DialDuration,
		m.UpstreamResponses,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/proxy/pending", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
