// Package encoding implements HTTP content-coding negotiation and the
// compression stages installed on both sides of the relay.
package encoding

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content codings understood by the relay.
const (
	Gzip     = "gzip"
	Deflate  = "deflate"
	Brotli   = "br"
	Zstd     = "zstd"
	Identity = "identity"
)

// ErrUnsupported is returned for content codings the relay cannot handle.
var ErrUnsupported = errors.New("unsupported content coding")

// Normalize returns the outermost coding named by a Content-Encoding value,
// lower-cased. An empty or identity value yields "".
func Normalize(contentEncoding string) string {
	codings := strings.Split(contentEncoding, ",")
	c := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
	if c == Identity {
		return ""
	}
	return c
}

// Decode reverses coding on data. Deflate accepts both zlib-wrapped and raw
// streams because servers disagree on which one the token means.
func Decode(coding string, data []byte) ([]byte, error) {
	var r io.Reader
	switch coding {
	case "":
		return data, nil
	case Gzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gr.Close()
		r = gr
	case Deflate:
		if out, err := decodeZlib(data); err == nil {
			return out, nil
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, coding)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", coding, err)
	}
	return out, nil
}

func decodeZlib(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Encode applies coding to data. Only gzip and deflate are produced.
func Encode(coding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "":
		return data, nil
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Deflate:
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, coding)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("encode %s: %w", coding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", coding, err)
	}
	return buf.Bytes(), nil
}

// Negotiate picks the coding from supported that acceptEncoding prefers,
// honouring q-values and "*". Ties keep the order of supported. It returns
// "" when nothing acceptable is supported.
func Negotiate(acceptEncoding string, supported ...string) string {
	type offer struct {
		coding string
		q      float64
	}
	weights := make(map[string]float64)
	wildcard := -1.0
	for _, item := range strings.Split(acceptEncoding, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, params, _ := strings.Cut(item, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				q = parsed
			}
		}
		if name == "*" {
			wildcard = q
			continue
		}
		weights[name] = q
	}

	var offers []offer
	for _, c := range supported {
		q, ok := weights[c]
		if !ok {
			q = wildcard
		}
		if q > 0 {
			offers = append(offers, offer{coding: c, q: q})
		}
	}
	if len(offers) == 0 {
		return ""
	}
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].q > offers[j].q })
	return offers[0].coding
}
