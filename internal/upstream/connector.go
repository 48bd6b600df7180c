// Package upstream opens the outbound leg of a relayed exchange.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/encoding"
	"intercept-proxy-go/internal/eventloop"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/tlsconf"
)

// TLSLayer names the client TLS layer in an upstream pipeline.
const TLSLayer = "tls-client"

// ErrNoHost is returned when a target has no host to dial.
var ErrNoHost = errors.New("upstream target has no host")

// Target is the upstream endpoint.
type Target struct {
	Scheme string
	Host   string
	Port   int
}

// ParseTarget parses an upstream base URL. A missing port defaults to 80
// for http and 443 otherwise.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse upstream url: %w", err)
	}
	t := Target{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	if t.Host == "" {
		return Target{}, ErrNoHost
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Target{}, fmt.Errorf("upstream port %q: invalid", p)
		}
		t.Port = port
	}
	return t.withDefaults(), nil
}

func (t Target) withDefaults() Target {
	if t.Scheme == "" {
		t.Scheme = "https"
	}
	if t.Port == 0 {
		t.Port = t.defaultPort()
	}
	return t
}

func (t Target) defaultPort() int {
	if t.Scheme == "http" {
		return 80
	}
	return 443
}

// Secure reports whether the target is reached over TLS.
func (t Target) Secure() bool { return t.Scheme != "http" }

// Addr returns host:port for dialing.
func (t Target) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// HostHeader returns the Host header value, with the port only when it is
// not the scheme default.
func (t Target) HostHeader() string {
	t = t.withDefaults()
	if t.Port == t.defaultPort() {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Addr()
}

func (t Target) String() string { return t.Scheme + "://" + t.HostHeader() }

// Options configures a Connector.
type Options struct {
	// Group supplies the loop that owns each upstream channel.
	Group *eventloop.Group
	// TLS performs the client handshake for secure targets.
	TLS *tlsconf.Client
	// DialTimeout bounds connect plus handshake. Zero means no timeout.
	DialTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Connector dials upstream targets and prepares their pipelines.
type Connector struct {
	group       *eventloop.Group
	tls         *tlsconf.Client
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewConnector returns a Connector. A nil TLS client falls back to the Go
// fingerprint with system roots.
func NewConnector(opts Options) (*Connector, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TLS == nil {
		c, err := tlsconf.NewClient(tlsconf.FingerprintGolang, nil)
		if err != nil {
			return nil, err
		}
		opts.TLS = c
	}
	return &Connector{
		group:       opts.Group,
		tls:         opts.TLS,
		dialTimeout: opts.DialTimeout,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "upstream"),
	}, nil
}

// Connect dials target in the background. When the connection is ready,
// or the dial failed, done runs on loop. The channel handed to done has its
// codec and stages installed but is not started; the caller installs a
// handler and starts it on the channel's own loop.
func (c *Connector) Connect(ctx context.Context, target Target, req model.Request, loop *eventloop.Loop, done func(*channel.Channel, error)) {
	target = target.withDefaults()
	contentEncoding := req.Header.Get("Content-Encoding")
	go func() {
		ch, err := c.dial(ctx, target, contentEncoding)
		if !loop.Execute(func() { done(ch, err) }) && ch != nil {
			ch.Close()
		}
	}()
}

func (c *Connector) dial(ctx context.Context, target Target, contentEncoding string) (*channel.Channel, error) {
	if target.Host == "" {
		return nil, ErrNoHost
	}
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	c.logger.Debug("dialing upstream", "target", target.String())
	start := time.Now()
	conn, err := c.open(ctx, target)
	if c.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.DialDuration.WithLabelValues(target.Scheme, result).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.Addr(), err)
	}

	ch := channel.New(conn, c.group.Next(), channel.Options{Logger: c.logger.With("target", target.String())})
	if err := configure(ch, target, contentEncoding); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (c *Connector) open(ctx context.Context, target Target) (net.Conn, error) {
	d := &net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	if !target.Secure() {
		return conn, nil
	}
	return c.tls.Handshake(ctx, conn, target.Host)
}

// configure installs the client codec and the upstream stages on a channel
// nobody else references yet.
func configure(ch *channel.Channel, target Target, contentEncoding string) error {
	if target.Secure() {
		// The handshake already ran on conn; only the layer name is recorded.
		if err := ch.Wrap(TLSLayer, func(conn net.Conn) net.Conn { return conn }); err != nil {
			return err
		}
	}
	ch.SetCodec(codec.NewClientCodec())
	p := ch.Pipeline()
	stages := []channel.Stage{encoding.NewResponseDecompressor(), NewHostRewriter(target)}
	if rc := encoding.NewRequestCompressor(contentEncoding); rc != nil {
		stages = append(stages, rc)
	}
	for _, s := range stages {
		if err := p.AddLast(s); err != nil {
			return fmt.Errorf("install %s: %w", s.Name(), err)
		}
	}
	return nil
}

// EnsureRequestCompressor adds a request compressor for contentEncoding
// when a reused upstream channel lacks one. Loop-only.
func EnsureRequestCompressor(ch *channel.Channel, contentEncoding string) error {
	rc := encoding.NewRequestCompressor(contentEncoding)
	if rc == nil {
		return nil
	}
	p := ch.Pipeline()
	if existing, ok := p.Get(encoding.RequestCompressorName).(*encoding.RequestCompressor); ok {
		if existing.Coding() == rc.Coding() {
			return nil
		}
		p.Remove(encoding.RequestCompressorName)
	}
	return p.AddLast(rc)
}
