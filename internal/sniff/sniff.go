// Package sniff decides whether a freshly accepted connection speaks
// plaintext HTTP or TLS and wires its pipeline accordingly.
package sniff

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"unicode/utf8"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/encoding"
)

// Pipeline names installed by the bootstrap.
const (
	Name        = "bootstrap"
	TLSLayer    = "tls-server"
	HandlerName = "relay-server"
)

var (
	// ErrAlreadySniffed is returned if a bootstrap is asked to rewire twice.
	ErrAlreadySniffed = errors.New("connection already sniffed")
	// ErrNoServerTLS is returned for TLS connections when no certificate
	// is configured.
	ErrNoServerTLS = errors.New("tls connection but no server certificate configured")
)

// Mode is the detected protocol of a connection.
type Mode string

const (
	ModePlain Mode = "plain"
	ModeTLS   Mode = "tls"
)

// Detect classifies the first chunk of a connection. Valid UTF-8 is taken
// as plaintext HTTP and anything else as a TLS handshake.
func Detect(first []byte) Mode {
	if utf8.Valid(first) {
		return ModePlain
	}
	return ModeTLS
}

// Options configures a Bootstrap.
type Options struct {
	// TLSConfig terminates TLS connections. Nil means TLS is refused.
	TLSConfig *tls.Config
	// Filters are matched against the SNI of terminated connections.
	Filters *Filters
	// NewHandler builds the server relay handler for the connection.
	NewHandler func() channel.Handler
	// Observe is told the detected mode, for metrics.
	Observe func(Mode)
	Logger  *slog.Logger
}

// Bootstrap is the one-shot sniffing stage of an inbound connection.
type Bootstrap struct {
	opts    Options
	sniffed bool
}

// New returns a bootstrap for one connection.
func New(opts Options) *Bootstrap {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bootstrap{opts: opts}
}

func (b *Bootstrap) Name() string { return Name }

// Sniffed reports whether the bootstrap has already rewired its channel.
func (b *Bootstrap) Sniffed() bool { return b.sniffed }

// FirstBytes installs the plaintext or TLS chain and removes the bootstrap
// from the pipeline. It only ever acts once.
func (b *Bootstrap) FirstBytes(c *channel.Channel, data []byte) error {
	if b.sniffed {
		return ErrAlreadySniffed
	}
	b.sniffed = true
	opts := b.opts
	b.opts = Options{}

	p := c.Pipeline()
	p.Remove(Name)

	mode := Detect(data)
	if opts.Observe != nil {
		opts.Observe(mode)
	}
	logger := c.Logger().With("mode", string(mode))

	if mode == ModeTLS {
		if opts.TLSConfig == nil {
			logger.Warn("closing tls connection", "error", ErrNoServerTLS)
			return ErrNoServerTLS
		}
		cfg := serverConfig(opts.TLSConfig, opts.Filters, logger)
		if err := c.Wrap(TLSLayer, func(conn net.Conn) net.Conn { return tls.Server(conn, cfg) }); err != nil {
			return err
		}
	}

	c.SetCodec(codec.NewServerCodec())
	for _, s := range []channel.Stage{encoding.NewRequestDecompressor(), encoding.NewResponseCompressor()} {
		if err := p.AddLast(s); err != nil {
			return fmt.Errorf("install %s: %w", s.Name(), err)
		}
	}
	p.SetHandler(HandlerName, opts.NewHandler())
	logger.Debug("connection sniffed", "pipeline", p.Names())
	return nil
}

// serverConfig adds SNI logging for bypass-listed hosts to base.
func serverConfig(base *tls.Config, filters *Filters, logger *slog.Logger) *tls.Config {
	if filters.Len() == 0 {
		return base
	}
	cfg := base.Clone()
	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		if filters.Match(hello.ServerName) {
			logger.Info("bypass host matched, intercepting with static certificate", "sni", hello.ServerName)
		}
		return nil, nil
	}
	return cfg
}
