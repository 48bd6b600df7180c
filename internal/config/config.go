// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-multierror"
	toml "github.com/pelletier/go-toml/v2"

	"intercept-proxy-go/internal/dump"
	"intercept-proxy-go/internal/sniff"
	"intercept-proxy-go/internal/tlsconf"
	"intercept-proxy-go/internal/upstream"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/intercept-proxy/config.toml",
	"configs/config.toml",
}

// Routes served by the admin server; the metrics path may not shadow them.
var reservedAdminRoutes = []string{"/healthz", "/proxy/status", "/proxy/pending"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	UpstreamURL string `kong:"arg,optional,name='upstream-url',help='Base URL every request is relayed to, e.g. https://api.example.com.'"`
	Port        int    `kong:"arg,optional,help='Local port the proxy listens on.'"`
	Cert        string `kong:"arg,optional,help='PEM certificate presented to TLS clients.'"`
	Key         string `kong:"arg,optional,help='PEM private key for the certificate.'"`

	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	CurlMode bool             `kong:"help='Print requests as cURL commands (same as --dump=curl).'"`
	Dump     string           `kong:"help='Traffic dump mode: print|curl|none (overrides config).',env='DUMP_MODE'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	TLS      TLSConfig      `toml:"tls"`
	Loops    LoopsConfig    `toml:"loops"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Admin    AdminConfig    `toml:"admin"`
	Dump     DumpConfig     `toml:"dump"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (8080)
}

// UpstreamConfig describes the relay target.
type UpstreamConfig struct {
	BaseURL            string `toml:"base_url"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"` // 0 disables the timeout
	TLSFingerprint     string `toml:"tls_fingerprint"`
	CAFile             string `toml:"ca_file"`
}

// TLSConfig holds the certificate presented to TLS clients.
type TLSConfig struct {
	CertFile    string   `toml:"cert_file"`
	KeyFile     string   `toml:"key_file"`
	BypassHosts []string `toml:"bypass_hosts"`
}

// LoopsConfig sizes the event loop group.
type LoopsConfig struct {
	Workers int `toml:"workers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DumpConfig selects how intercepted traffic is printed.
type DumpConfig struct {
	Mode       string              `toml:"mode"`
	Substitute []dump.Substitution `toml:"substitute"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/intercept-proxy/config.toml then configs/config.toml. A config file
// is optional when the positional arguments name the upstream.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		if path == "" {
			err = multierror.Append(err, fmt.Errorf("no config file found (searched %v)", configSearchPaths))
		}
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI values.
func (c *Config) applyCLI(cli *CLI) {
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Cert != "" {
		c.TLS.CertFile = cli.Cert
	}
	if cli.Key != "" {
		c.TLS.KeyFile = cli.Key
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.CurlMode {
		c.Dump.Mode = dump.ModeCurl
	}
	if cli.Dump != "" {
		c.Dump.Mode = cli.Dump
	}
}

// validate reports every problem at once.
func (c *Config) validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Upstream.BaseURL == "" {
		add("upstream.base_url is required")
	} else if t, err := upstream.ParseTarget(c.Upstream.BaseURL); err != nil {
		add("upstream.base_url: %w", err)
	} else if t.Scheme != "http" && t.Scheme != "https" {
		add("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		add("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if _, err := tlsconf.ParseFingerprint(c.Upstream.TLSFingerprint); err != nil {
		add("upstream.tls_fingerprint: %w", err)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls.cert_file and tls.key_file must be set together")
	}
	if _, err := sniff.CompileFilters(c.TLS.BypassHosts); err != nil {
		add("tls.bypass_hosts: %w", err)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		add("admin.port must be 0-65535; got %d", c.Admin.Port)
	}
	if c.Loops.Workers < 0 {
		add("loops.workers must be non-negative; got %d", c.Loops.Workers)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		add("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		add("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		add("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Dump.Mode != "" && !slices.Contains(dump.Modes, c.Dump.Mode) {
		add("dump.mode must be one of: %s; got %q", strings.Join(dump.Modes, ", "), c.Dump.Mode)
	}
	for i, s := range c.Dump.Substitute {
		if s.URI == "" || s.From == "" {
			add("dump.substitute[%d]: uri and from are required", i)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			add("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedAdminRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				add("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return errs.ErrorOrNil()
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Upstream.TLSFingerprint == "" {
		c.Upstream.TLSFingerprint = tlsconf.FingerprintGolang
	}
	if c.Loops.Workers == 0 {
		c.Loops.Workers = runtime.NumCPU()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Dump.Mode == "" {
		c.Dump.Mode = dump.ModePrint
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Target returns the parsed upstream endpoint.
func (c *Config) Target() (upstream.Target, error) {
	return upstream.ParseTarget(c.Upstream.BaseURL)
}

// DialTimeout returns the upstream dial timeout; zero means none.
func (c *UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file or the private key is
// readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	for _, f := range []struct{ what, path string }{
		{"config file", c.filePath},
		{"private key", c.TLS.KeyFile},
	} {
		if f.path == "" {
			continue
		}
		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			logger.Warn(f.what+" is readable by group/others; consider chmod 600",
				"path", f.path,
				"mode", fmt.Sprintf("%04o", perm),
			)
		}
	}
}
