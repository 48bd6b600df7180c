package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/dump"
	"intercept-proxy-go/internal/handler"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/middleware"
	"intercept-proxy-go/internal/proxy"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("intercept-proxy"),
		kong.Description("Intercepting HTTP/HTTPS proxy. Every request received on <port> is "+
			"relayed to <upstream-url> and each exchange is printed to the terminal."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newDumper,
			newProxy,
			newEcho,
			func(p *proxy.Proxy) handler.StatusSource { return p },
			func(d *dump.Dumper) handler.PendingSource { return d },
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startProxy, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// Transcripts go to stdout; keep log lines off it.
	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		h = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

func newDumper(cfg *config.Config) (*dump.Dumper, error) {
	return dump.New(dump.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		Mode:          cfg.Dump.Mode,
		Substitutions: cfg.Dump.Substitute,
	})
}

func newProxy(cfg *config.Config, d *dump.Dumper, m *metrics.Metrics, logger *slog.Logger) (*proxy.Proxy, error) {
	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}
	return proxy.New(proxy.Options{
		Upstream:    target,
		CertFile:    cfg.TLS.CertFile,
		KeyFile:     cfg.TLS.KeyFile,
		BypassHosts: cfg.TLS.BypassHosts,
		Delegate:    d,
		Workers:     cfg.Loops.Workers,
		DialTimeout: cfg.Upstream.DialTimeout(),
		Fingerprint: cfg.Upstream.TLSFingerprint,
		CAFile:      cfg.Upstream.CAFile,
		Metrics:     m,
		Logger:      logger,
	})
}

func newEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Admin.RateLimit.RequestsPerSecond, logger))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startProxy(lc fx.Lifecycle, p *proxy.Proxy, d *dump.Dumper, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return p.Start(cfg.Server.Host, cfg.Server.Port)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			err := p.Stop(ctx)
			d.DumpPending()
			return err
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
