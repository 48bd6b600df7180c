package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/atomic"

	"intercept-proxy-go/internal/dump"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/tlsconf"
	"intercept-proxy-go/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedBuffer is written from event loops and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// countingUpstream is a mock upstream that counts accepted connections.
func countingUpstream(t *testing.T, h http.HandlerFunc, secure bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	conns := atomic.NewInt32(0)
	srv := httptest.NewUnstartedServer(h)
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Inc()
		}
	}
	if secure {
		srv.StartTLS()
	} else {
		srv.Start()
	}
	t.Cleanup(srv.Close)
	return srv, conns
}

func startProxy(t *testing.T, opts Options) (*Proxy, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	opts.Metrics = m
	opts.Logger = testLogger()
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return p, m
}

func mustTarget(t *testing.T, raw string) upstream.Target {
	t.Helper()
	target, err := upstream.ParseTarget(raw)
	if err != nil {
		t.Fatal(err)
	}
	return target
}

func newClient(tlsConfig *tls.Config) (*http.Client, *http.Transport) {
	tr := &http.Transport{TLSClientConfig: tlsConfig}
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}, tr
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// writeKeyPair writes a self-signed certificate for 127.0.0.1 and returns
// the file paths and a pool trusting it.
func writeKeyPair(t *testing.T) (string, string, *x509.CertPool) {
	t.Helper()
	certPEM, keyPEM, err := tlsconf.SelfSigned("127.0.0.1", "localhost")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "proxy.crt")
	keyFile := filepath.Join(dir, "proxy.key")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return certFile, keyFile, pool
}

// Scenario A: a plaintext GET is relayed unchanged.
func TestProxy_PassThrough(t *testing.T) {
	srv, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Hello, Proxy!")
	}, false)
	p, m := startProxy(t, Options{Upstream: mustTarget(t, srv.URL)})

	client, tr := newClient(nil)
	defer tr.CloseIdleConnections()
	resp, err := client.Get("http://" + p.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if body := readAll(t, resp); resp.StatusCode != http.StatusOK || body != "Hello, Proxy!" {
		t.Errorf("got %d %q, want 200 %q", resp.StatusCode, body, "Hello, Proxy!")
	}
	if got := testutil.ToFloat64(m.ConnectionsAccepted.WithLabelValues("plain")); got != 1 {
		t.Errorf("plain connections = %v, want 1", got)
	}
}

// Scenario B: the delegate rewrites the request body and keeps the
// rewritten copy.
func TestProxy_RewriteRequestBody(t *testing.T) {
	srv, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}, false)

	var out lockedBuffer
	d, err := dump.New(dump.Options{
		BaseURL:       srv.URL,
		Substitutions: []dump.Substitution{{URI: "/post", From: "Jorge", To: "Leo"}},
		Out:           &out,
		Err:           io.Discard,
		NoColor:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := startProxy(t, Options{Upstream: mustTarget(t, srv.URL), Delegate: d})

	client, tr := newClient(nil)
	defer tr.CloseIdleConnections()
	resp, err := client.Post("http://"+p.Addr().String()+"/post", "text/plain", strings.NewReader("Jorge"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if body := readAll(t, resp); body != "Leo" {
		t.Errorf("client saw body %q, want %q", body, "Leo")
	}

	s := out.String()
	if !strings.Contains(s, "Body: Leo") || strings.Contains(s, "Jorge") {
		t.Errorf("recorded request does not hold the rewritten body:\n%s", s)
	}
	if len(d.Pending()) != 0 {
		t.Errorf("Pending() = %+v after response", d.Pending())
	}
}

type notFound struct{}

func (notFound) OnRequest(req model.Request, _ string) (model.Request, *model.Response) {
	return req, model.NewResponse(http.StatusNotFound, []byte("nope"))
}

func (notFound) OnResponse(resp model.Response, _ string) model.Response { return resp }

// Scenario C: a short-circuited request never opens an upstream connection.
func TestProxy_ShortCircuit(t *testing.T) {
	srv, conns := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {}, false)
	p, m := startProxy(t, Options{Upstream: mustTarget(t, srv.URL), Delegate: notFound{}})

	client, tr := newClient(nil)
	defer tr.CloseIdleConnections()
	for range 3 {
		resp, err := client.Get("http://" + p.Addr().String() + "/missing")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if body := readAll(t, resp); resp.StatusCode != http.StatusNotFound || body != "nope" {
			t.Errorf("got %d %q, want 404 %q", resp.StatusCode, body, "nope")
		}
	}
	if n := conns.Load(); n != 0 {
		t.Errorf("upstream accepted %d connections, want 0", n)
	}
	if got := testutil.ToFloat64(m.ActivePairings); got != 0 {
		t.Errorf("active pairings = %v, want 0", got)
	}
}

// Scenario D: an unreachable upstream closes the client connection once.
func TestProxy_UnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	p, m := startProxy(t, Options{Upstream: mustTarget(t, "http://"+dead), DialTimeout: 2 * time.Second})

	client, tr := newClient(nil)
	defer tr.CloseIdleConnections()
	start := time.Now()
	resp, err := client.Get("http://" + p.Addr().String() + "/")
	if err == nil {
		resp.Body.Close()
		t.Fatalf("GET returned %d, want closed connection", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("client waited %v for the connection to close", elapsed)
	}

	failed := m.Exchanges.WithLabelValues("GET", metrics.OutcomeDialFailed)
	eventually(t, "dial failure", func() bool { return testutil.ToFloat64(failed) == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := testutil.ToFloat64(failed); got != 1 {
		t.Errorf("dial attempts = %v, want exactly 1", got)
	}
}

// Pipelined requests are relayed one at a time over a single upstream
// connection and answered in request order.
func TestProxy_PipelinedRequests(t *testing.T) {
	srv, conns := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" {
			time.Sleep(300 * time.Millisecond)
		}
		_, _ = io.WriteString(w, "body"+r.URL.Path)
	}, false)
	p, m := startProxy(t, Options{Upstream: mustTarget(t, srv.URL)})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.WriteString(conn,
		"GET /a HTTP/1.1\r\nHost: proxy\r\n\r\nGET /b HTTP/1.1\r\nHost: proxy\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	var bodies []string
	for range 2 {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("read response %d: %v", len(bodies)+1, err)
		}
		bodies = append(bodies, readAll(t, resp))
	}
	if want := []string{"body/a", "body/b"}; !slices.Equal(bodies, want) {
		t.Errorf("bodies = %q, want %q", bodies, want)
	}
	if got := conns.Load(); got != 1 {
		t.Errorf("upstream connections = %d, want 1", got)
	}
	proxied := m.Exchanges.WithLabelValues("GET", metrics.OutcomeProxied)
	eventually(t, "proxied exchanges", func() bool { return testutil.ToFloat64(proxied) == 2 })
	if st := p.Status(); st.Paired != 1 {
		t.Errorf("Status() = %+v, want a single pairing", st)
	}
}

// Closing the client connection while upstream is still working tears the
// upstream connection down too.
func TestProxy_InboundCloseMidExchange(t *testing.T) {
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{}, 1)
	srv, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-r.Context().Done():
			cancelled <- struct{}{}
		case <-time.After(10 * time.Second):
		}
	}, false)
	p, _ := startProxy(t, Options{Upstream: mustTarget(t, srv.URL)})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(conn, "GET /slow HTTP/1.1\r\nHost: proxy\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached upstream")
	}
	eventually(t, "pairing", func() bool { return p.Status().Paired == 1 })

	_ = conn.Close()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection stayed open after the client left")
	}
	eventually(t, "sessions to drain", func() bool { return p.Status().Sessions == 0 })
}

func TestProxy_TLSInboundAndUpstream(t *testing.T) {
	srv, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure "+r.Method)
	}, true)

	caFile := filepath.Join(t.TempDir(), "upstream-ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caFile, caPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	certFile, keyFile, pool := writeKeyPair(t)

	p, m := startProxy(t, Options{
		Upstream:    mustTarget(t, srv.URL),
		CertFile:    certFile,
		KeyFile:     keyFile,
		CAFile:      caFile,
		Fingerprint: tlsconf.FingerprintChrome,
		BypassHosts: []string{`^.*\.internal$`},
	})

	client, tr := newClient(&tls.Config{RootCAs: pool})
	defer tr.CloseIdleConnections()
	resp, err := client.Get("https://" + p.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	if body := readAll(t, resp); body != "secure GET" {
		t.Errorf("body = %q, want %q", body, "secure GET")
	}
	if resp.TLS == nil {
		t.Error("response did not arrive over TLS")
	}
	if got := testutil.ToFloat64(m.ConnectionsAccepted.WithLabelValues("tls")); got != 1 {
		t.Errorf("tls connections = %v, want 1", got)
	}
}

func TestProxy_TLSRefusedWithoutCertificate(t *testing.T) {
	srv, conns := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {}, false)
	p, _ := startProxy(t, Options{Upstream: mustTarget(t, srv.URL)})

	client, tr := newClient(&tls.Config{InsecureSkipVerify: true})
	defer tr.CloseIdleConnections()
	if resp, err := client.Get("https://" + p.Addr().String() + "/"); err == nil {
		resp.Body.Close()
		t.Fatal("TLS request succeeded without a server certificate")
	}
	if n := conns.Load(); n != 0 {
		t.Errorf("upstream accepted %d connections", n)
	}
}

func TestNew_Errors(t *testing.T) {
	certFile, keyFile, _ := writeKeyPair(t)
	tests := []struct {
		name string
		opts Options
	}{
		{"missing cert", Options{CertFile: filepath.Join(t.TempDir(), "nope.crt"), KeyFile: keyFile}},
		{"key without cert", Options{KeyFile: keyFile}},
		{"mismatched pair", Options{CertFile: certFile, KeyFile: certFile}},
		{"bad filter", Options{BypassHosts: []string{"("}}},
		{"bad fingerprint", Options{Fingerprint: "netscape"}},
		{"missing ca file", Options{CAFile: filepath.Join(t.TempDir(), "ca.pem")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = testLogger()
			if _, err := New(tt.opts); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestStart_LogsListenAddress(t *testing.T) {
	var logs lockedBuffer
	p, err := New(Options{
		Upstream: mustTarget(t, "http://127.0.0.1:1"),
		Workers:  1,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	}()

	out := logs.String()
	if n := strings.Count(out, `msg="proxy listening"`); n != 1 {
		t.Errorf("proxy listening logged %d times, want 1:\n%s", n, out)
	}
	if !strings.Contains(out, "addr="+p.Addr().String()) {
		t.Errorf("listen log missing bound address:\n%s", out)
	}
}

func TestStart_BindError(t *testing.T) {
	first, _ := startProxy(t, Options{Upstream: mustTarget(t, "http://127.0.0.1:1")})
	_, portStr, _ := net.SplitHostPort(first.Addr().String())

	second, err := New(Options{Upstream: mustTarget(t, "http://127.0.0.1:1"), Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Stop(context.Background())

	port, _ := strconv.Atoi(portStr)
	err = second.Start("127.0.0.1", port)
	var be *BindError
	if !errors.As(err, &be) {
		t.Fatalf("Start() error = %v, want *BindError", err)
	}
	if be.Host != "127.0.0.1" || be.Port != port || be.Err == nil {
		t.Errorf("BindError = %+v", be)
	}
	if !strings.Contains(err.Error(), portStr) {
		t.Errorf("error %q does not name the port", err)
	}

	if err := first.Start("127.0.0.1", 0); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start() = %v, want ErrStarted", err)
	}
}

func TestStop_ClosesConnections(t *testing.T) {
	srv, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}, false)
	p, err := New(Options{Upstream: mustTarget(t, srv.URL), Workers: 2, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}

	// An idle keep-alive pairing stays open until Stop.
	client, tr := newClient(nil)
	defer tr.CloseIdleConnections()
	resp, err := client.Get("http://" + p.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readAll(t, resp)
	eventually(t, "pairing", func() bool { return p.Status().Paired == 1 })

	st := p.Status()
	if st.Loops != 2 || st.Connections != 1 || st.Listen == "" || st.Upstream != mustTarget(t, srv.URL).String() {
		t.Errorf("Status() = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st := p.Status(); st.Connections != 0 || st.Sessions != 0 {
		t.Errorf("Status() after Stop = %+v", st)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := p.Start("127.0.0.1", 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop = %v, want ErrStopped", err)
	}
}
