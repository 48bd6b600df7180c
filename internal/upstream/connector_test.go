package upstream

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/encoding"
	"intercept-proxy-go/internal/eventloop"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/tlsconf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw        string
		want       Target
		hostHeader string
		wantErr    bool
	}{
		{"http://example.com", Target{"http", "example.com", 80}, "example.com", false},
		{"https://example.com", Target{"https", "example.com", 443}, "example.com", false},
		{"HTTPS://example.com:8443/path", Target{"https", "example.com", 8443}, "example.com:8443", false},
		{"http://127.0.0.1:8080", Target{"http", "127.0.0.1", 8080}, "127.0.0.1:8080", false},
		{"http://[::1]", Target{"http", "::1", 80}, "[::1]", false},
		{"http://", Target{}, "", true},
		{"http://host:99999", Target{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTarget() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget() = %+v, want %+v", got, tt.want)
			}
			if h := got.HostHeader(); h != tt.hostHeader {
				t.Errorf("HostHeader() = %q, want %q", h, tt.hostHeader)
			}
		})
	}
}

func TestHostRewriter(t *testing.T) {
	r := NewHostRewriter(Target{Scheme: "https", Host: "upstream.test", Port: 8443})
	head := codec.RequestHeadPart{Head: model.RequestHead{
		Method: "GET",
		URI:    "/",
		Header: model.NewHeader(
			model.Field{Name: "Host", Value: "127.0.0.1:8080"},
			model.Field{Name: "Accept-Encoding", Value: "br"},
			model.Field{Name: "X-Trace", Value: "1"},
		),
	}}
	out, err := r.Outbound(head)
	if err != nil {
		t.Fatal(err)
	}
	got := out[0].(codec.RequestHeadPart).Head.Header.Fields()
	want := []model.Field{
		{Name: "Host", Value: "upstream.test:8443"},
		{Name: "Accept-Encoding", Value: "deflate, gzip"},
		{Name: "X-Trace", Value: "1"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("fields = %v, want %v", got, want)
	}
	if head.Head.Header.Get("Host") != "127.0.0.1:8080" {
		t.Error("rewriter mutated its input")
	}

	body := codec.BodyPart{Data: []byte("x")}
	if out, _ := r.Outbound(body); len(out) != 1 {
		t.Error("body part not passed through")
	}
}

type connectResult struct {
	ch  *channel.Channel
	err error
}

func connect(t *testing.T, c *Connector, g *eventloop.Group, target Target, req model.Request) connectResult {
	t.Helper()
	res := make(chan connectResult, 1)
	c.Connect(context.Background(), target, req, g.Next(), func(ch *channel.Channel, err error) {
		res <- connectResult{ch, err}
	})
	select {
	case r := <-res:
		if r.ch != nil {
			t.Cleanup(r.ch.Close)
		}
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("Connect() never completed")
		return connectResult{}
	}
}

func pipelineNames(t *testing.T, ch *channel.Channel) []string {
	t.Helper()
	names := make(chan []string, 1)
	ch.Loop().Execute(func() { names <- ch.Pipeline().Names() })
	select {
	case n := <-names:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not answer")
		return nil
	}
}

func newGroup(t *testing.T) *eventloop.Group {
	t.Helper()
	g := eventloop.NewGroup(2, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func TestConnector_Plain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	target, err := ParseTarget(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	g := newGroup(t)
	m := metrics.New()
	c, err := NewConnector(Options{Group: g, Metrics: m, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	req := model.Request{RequestHead: model.RequestHead{
		Method: "POST",
		Header: model.NewHeader(model.Field{Name: "Content-Encoding", Value: "gzip"}),
	}}
	r := connect(t, c, g, target, req)
	if r.err != nil {
		t.Fatalf("Connect() error = %v", r.err)
	}
	want := []string{encoding.ResponseDecompressorName, HostRewriterName, encoding.RequestCompressorName}
	if got := pipelineNames(t, r.ch); !slices.Equal(got, want) {
		t.Errorf("pipeline = %v, want %v", got, want)
	}

	families, _ := m.Registry.Gather()
	found := false
	for _, f := range families {
		if f.GetName() == "intercept_proxy_upstream_dial_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("dial duration not recorded")
	}
}

func TestConnector_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	target, _ := ParseTarget(srv.URL)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	tc, err := tlsconf.NewClient(tlsconf.FingerprintGolang, pool)
	if err != nil {
		t.Fatal(err)
	}
	g := newGroup(t)
	c, _ := NewConnector(Options{Group: g, TLS: tc, Logger: testLogger()})

	r := connect(t, c, g, target, model.Request{})
	if r.err != nil {
		t.Fatalf("Connect() error = %v", r.err)
	}
	want := []string{TLSLayer, encoding.ResponseDecompressorName, HostRewriterName}
	if got := pipelineNames(t, r.ch); !slices.Equal(got, want) {
		t.Errorf("pipeline = %v, want %v", got, want)
	}
}

func TestConnector_Failures(t *testing.T) {
	g := newGroup(t)
	c, _ := NewConnector(Options{Group: g, DialTimeout: 2 * time.Second, Logger: testLogger()})

	r := connect(t, c, g, Target{Scheme: "http", Host: "127.0.0.1", Port: 1}, model.Request{})
	if r.err == nil || r.ch != nil {
		t.Errorf("Connect(unreachable) = %v, %v; want error", r.ch, r.err)
	}

	r = connect(t, c, g, Target{Scheme: "http"}, model.Request{})
	if !errors.Is(r.err, ErrNoHost) {
		t.Errorf("Connect(no host) error = %v, want ErrNoHost", r.err)
	}

	// httptest's certificate is not in the system roots.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	target, _ := ParseTarget(srv.URL)
	if r = connect(t, c, g, target, model.Request{}); r.err == nil {
		t.Error("Connect() to untrusted upstream succeeded")
	}
}

func TestEnsureRequestCompressor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	target, _ := ParseTarget(srv.URL)
	g := newGroup(t)
	c, _ := NewConnector(Options{Group: g, Logger: testLogger()})
	r := connect(t, c, g, target, model.Request{})
	if r.err != nil {
		t.Fatal(r.err)
	}

	coding := make(chan string, 1)
	r.ch.Loop().Execute(func() {
		_ = EnsureRequestCompressor(r.ch, "")
		_ = EnsureRequestCompressor(r.ch, "deflate")
		_ = EnsureRequestCompressor(r.ch, "gzip")
		coding <- r.ch.Pipeline().Get(encoding.RequestCompressorName).(*encoding.RequestCompressor).Coding()
	})
	select {
	case got := <-coding:
		if got != encoding.Gzip {
			t.Errorf("compressor coding = %q, want gzip", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not answer")
	}
}
