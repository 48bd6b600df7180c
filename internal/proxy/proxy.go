// Package proxy wires the listener, event loops, sniffing bootstrap and
// relay engine into a startable intercepting proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/eventloop"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/relay"
	"intercept-proxy-go/internal/sniff"
	"intercept-proxy-go/internal/tlsconf"
	"intercept-proxy-go/internal/upstream"
)

var (
	// ErrStarted is returned by Start on a proxy that is already listening.
	ErrStarted = errors.New("proxy already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("proxy stopped")
)

// BindError reports a listening socket that could not be opened.
type BindError struct {
	Host string
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Options configures a Proxy.
type Options struct {
	// Upstream is where every request is relayed.
	Upstream upstream.Target
	// CertFile and KeyFile terminate inbound TLS. Both empty means TLS
	// connections are refused.
	CertFile string
	KeyFile  string
	// BypassHosts are regular expressions matched against SNI.
	BypassHosts []string
	Delegate    relay.Delegate
	// Workers is the event loop count. Zero means one per CPU.
	Workers     int
	DialTimeout time.Duration
	Fingerprint string
	CAFile      string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Status is a point-in-time view of a running proxy.
type Status struct {
	Upstream    string `json:"upstream"`
	Listen      string `json:"listen"`
	Loops       int    `json:"loops"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Paired      int    `json:"paired"`
}

// Proxy accepts client connections and relays them upstream.
type Proxy struct {
	opts      Options
	tlsConfig *tls.Config
	filters   *sniff.Filters
	group     *eventloop.Group
	engine    *relay.Engine
	logger    *slog.Logger

	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	stopped  bool
	conns    map[string]*channel.Channel
	acceptWG sync.WaitGroup
}

// New validates opts and prepares a proxy. Certificate and filter problems
// are reported here, before anything listens.
func New(opts Options) (*Proxy, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "proxy")

	var tlsConfig *tls.Config
	if opts.CertFile != "" || opts.KeyFile != "" {
		cfg, err := tlsconf.LoadServerConfig(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server certificate: %w", err)
		}
		tlsConfig = cfg
	}

	filters, err := sniff.CompileFilters(opts.BypassHosts)
	if err != nil {
		return nil, err
	}

	roots, err := tlsconf.LoadRootCAs(opts.CAFile)
	if err != nil {
		return nil, err
	}
	client, err := tlsconf.NewClient(opts.Fingerprint, roots)
	if err != nil {
		return nil, err
	}

	group := eventloop.NewGroup(opts.Workers, opts.Logger)
	connector, err := upstream.NewConnector(upstream.Options{
		Group:       group,
		TLS:         client,
		DialTimeout: opts.DialTimeout,
		Metrics:     opts.Metrics,
		Logger:      opts.Logger,
	})
	if err != nil {
		_ = group.Shutdown(context.Background())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := relay.NewEngine(relay.Options{
		Context:   ctx,
		Target:    opts.Upstream,
		Connector: connector,
		Delegate:  opts.Delegate,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
	})

	return &Proxy{
		opts:      opts,
		tlsConfig: tlsConfig,
		filters:   filters,
		group:     group,
		engine:    engine,
		logger:    logger,
		cancel:    cancel,
		conns:     make(map[string]*channel.Channel),
	}, nil
}

// Start binds host:port and begins accepting connections in the background.
func (p *Proxy) Start(host string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.stopped:
		return ErrStopped
	case p.ln != nil:
		return ErrStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return &BindError{Host: host, Port: port, Err: err}
	}
	p.ln = ln
	p.logger.Info("proxy listening",
		"addr", ln.Addr().String(),
		"upstream", p.opts.Upstream.String(),
		"tls", p.tlsConfig != nil,
		"loops", p.group.Len(),
	)

	p.acceptWG.Add(1)
	go p.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Registry exposes the relay sessions.
func (p *Proxy) Registry() *relay.Registry { return p.engine.Registry() }

// Status reports the proxy's current state.
func (p *Proxy) Status() Status {
	st := p.engine.Registry().Stats()
	s := Status{
		Upstream: p.opts.Upstream.String(),
		Loops:    p.group.Len(),
		Sessions: st.Sessions,
		Paired:   st.Paired,
	}
	p.mu.Lock()
	if p.ln != nil {
		s.Listen = p.ln.Addr().String()
	}
	s.Connections = len(p.conns)
	p.mu.Unlock()
	return s
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	defer p.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Error("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		p.serve(conn)
	}
}

// serve hands an accepted connection to a loop behind a fresh bootstrap.
func (p *Proxy) serve(conn net.Conn) {
	ch := channel.New(conn, p.group.Next(), channel.Options{Logger: p.opts.Logger})
	if !p.track(ch) {
		ch.Close()
		return
	}
	go func() {
		<-ch.Done()
		p.untrack(ch)
	}()

	b := sniff.New(sniff.Options{
		TLSConfig:  p.tlsConfig,
		Filters:    p.filters,
		NewHandler: p.engine.NewServerHandler,
		Observe:    p.observe,
		Logger:     p.opts.Logger,
	})
	ok := ch.Loop().Execute(func() {
		if err := ch.Pipeline().AddLast(b); err != nil {
			ch.Logger().Error("install bootstrap", "error", err)
			ch.Close()
			return
		}
		ch.Start()
	})
	if !ok {
		ch.Close()
	}
}

func (p *Proxy) observe(mode sniff.Mode) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.ConnectionsAccepted.WithLabelValues(string(mode)).Inc()
	}
}

func (p *Proxy) track(ch *channel.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.conns[ch.ID()] = ch
	return true
}

func (p *Proxy) untrack(ch *channel.Channel) {
	p.mu.Lock()
	delete(p.conns, ch.ID())
	p.mu.Unlock()
}

// Stop closes the listener and every connection, waits for the relay to
// drain and then shuts the event loops down. It is safe to call more than
// once.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	ln := p.ln
	conns := make([]*channel.Channel, 0, len(p.conns))
	for _, ch := range p.conns {
		conns = append(conns, ch)
	}
	p.mu.Unlock()

	p.logger.Info("stopping proxy", "connections", len(conns))
	var result *multierror.Error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
	}
	p.acceptWG.Wait()
	p.cancel()

	for _, ch := range conns {
		ch.Close()
	}
	if err := p.drain(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.group.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// drain waits until every inbound connection is closed and every relay
// session has been torn down.
func (p *Proxy) drain(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		p.mu.Lock()
		open := len(p.conns)
		p.mu.Unlock()
		sessions := p.engine.Registry().Stats().Sessions
		if open == 0 && sessions == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain connections (%d open, %d sessions): %w", open, sessions, ctx.Err())
		case <-tick.C:
		}
	}
}
