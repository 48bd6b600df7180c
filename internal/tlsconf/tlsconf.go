// Package tlsconf builds the TLS units on both sides of the proxy: a
// terminating server config from a static certificate, and a utls client
// handshake with a selectable ClientHello fingerprint.
package tlsconf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	utls "github.com/refraction-networking/utls"
)

// Supported ClientHello fingerprints.
const (
	FingerprintGolang  = "golang"
	FingerprintChrome  = "chrome"
	FingerprintFirefox = "firefox"
)

// ALPN protocol offered on both sides. Only HTTP/1.x is proxied.
const protoHTTP11 = "http/1.1"

// LoadServerConfig reads a PEM certificate and private key and returns a
// config that terminates TLS with them.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return NewServerConfig(cert), nil
}

// NewServerConfig returns a terminating config for cert.
func NewServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{protoHTTP11},
	}
}

// ParseFingerprint maps a fingerprint name to a utls ClientHello. An empty
// name selects the Go standard library hello.
func ParseFingerprint(name string) (utls.ClientHelloID, error) {
	switch name {
	case "", FingerprintGolang:
		return utls.HelloGolang, nil
	case FingerprintChrome:
		return utls.HelloChrome_Auto, nil
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto, nil
	}
	return utls.ClientHelloID{}, fmt.Errorf("unknown tls fingerprint %q", name)
}

// LoadRootCAs returns the system roots plus the PEM certificates in caFile.
// An empty caFile yields nil, meaning system roots only.
func LoadRootCAs(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s: no certificates found", caFile)
	}
	return pool, nil
}

// Client initiates TLS toward upstream servers.
type Client struct {
	hello   utls.ClientHelloID
	rootCAs *x509.CertPool
}

// NewClient returns a client using the named fingerprint. A nil rootCAs
// means the system roots.
func NewClient(fingerprint string, rootCAs *x509.CertPool) (*Client, error) {
	hello, err := ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	return &Client{hello: hello, rootCAs: rootCAs}, nil
}

// Handshake runs the client handshake on conn. The certificate chain is
// verified but the server name is not matched against it. On failure conn
// is closed.
func (c *Client) Handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := &utls.Config{
		ServerName:            serverName,
		MinVersion:            utls.VersionTLS12,
		NextProtos:            []string{protoHTTP11},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyChain(c.rootCAs),
	}
	uconn := utls.UClient(conn, cfg, c.hello)

	if c.hello != utls.HelloGolang {
		if err := forceHTTP11(uconn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}
	return uconn, nil
}

// forceHTTP11 replaces the ALPN list of a browser fingerprint, which
// advertises h2, so the upstream answers in HTTP/1.1.
func forceHTTP11(uconn *utls.UConn) error {
	if err := uconn.BuildHandshakeState(); err != nil {
		return fmt.Errorf("build handshake state: %w", err)
	}
	alpn := &utls.ALPNExtension{AlpnProtocols: []string{protoHTTP11}}
	found := false
	for i, ext := range uconn.Extensions {
		if _, ok := ext.(*utls.ALPNExtension); ok {
			uconn.Extensions[i] = alpn
			found = true
			break
		}
	}
	if !found {
		uconn.Extensions = append(uconn.Extensions, alpn)
	}
	if err := uconn.BuildHandshakeState(); err != nil {
		return fmt.Errorf("rebuild handshake state: %w", err)
	}
	return nil
}

// verifyChain checks the presented chain against roots without a host
// name check.
func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse server certificate: %w", err)
			}
			certs[i] = cert
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return fmt.Errorf("verify server certificate: %w", err)
		}
		return nil
	}
}
