// Package relay pairs inbound and upstream connections and relays HTTP
// exchanges between them, giving a Delegate the chance to rewrite each
// request and response.
package relay

import (
	"context"
	"log/slog"
	"time"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/upstream"
)

// Options configures an Engine.
type Options struct {
	// Context bounds upstream dials. It is cancelled on shutdown.
	Context   context.Context
	Target    upstream.Target
	Connector *upstream.Connector
	Delegate  Delegate
	Registry  *Registry
	// Metrics is optional; nil disables relay metrics.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine holds what every relay handler shares.
type Engine struct {
	ctx       context.Context
	target    upstream.Target
	connector *upstream.Connector
	delegate  Delegate
	registry  *Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEngine returns an Engine. A nil Delegate passes traffic through.
func NewEngine(opts Options) *Engine {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Delegate == nil {
		opts.Delegate = PassThrough{}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		ctx:       opts.Context,
		target:    opts.Target,
		connector: opts.Connector,
		delegate:  opts.Delegate,
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "relay"),
	}
}

// NewServerHandler returns a handler for one inbound connection.
func (e *Engine) NewServerHandler() channel.Handler { return newServerHandler(e) }

// Registry returns the session registry.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) observeExchange(method, outcome string, started time.Time) {
	if e.metrics == nil {
		return
	}
	method = metrics.NormalizeMethod(method)
	e.metrics.Exchanges.WithLabelValues(method, outcome).Inc()
	if outcome == metrics.OutcomeProxied || outcome == metrics.OutcomeShortCircuit {
		e.metrics.ExchangeDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	}
}

func (e *Engine) pairingOpened() {
	if e.metrics != nil {
		e.metrics.ActivePairings.Inc()
	}
}

func (e *Engine) pairingClosed() {
	if e.metrics != nil {
		e.metrics.ActivePairings.Dec()
	}
}
