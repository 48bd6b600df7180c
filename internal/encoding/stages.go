package encoding

import (
	"fmt"
	"strings"

	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/model"
)

// Stage names as they appear in a channel pipeline.
const (
	RequestDecompressorName  = "request-decompressor"
	ResponseCompressorName   = "response-compressor"
	ResponseDecompressorName = "response-decompressor"
	RequestCompressorName    = "request-compressor"
)

// bodyBuffer holds back one message while its body is recoded.
type bodyBuffer struct {
	active bool
	coding string
	head   codec.Part
	body   []byte
}

func (b *bodyBuffer) start(head codec.Part, coding string) {
	*b = bodyBuffer{active: true, coding: coding, head: head}
}

func (b *bodyBuffer) add(p codec.BodyPart) {
	b.body = append(b.body, p.Data...)
}

// flush emits the held message with the recoded body.
func (b *bodyBuffer) flush(head codec.Part, body []byte, end codec.EndPart) []codec.Part {
	*b = bodyBuffer{}
	out := []codec.Part{head}
	if len(body) > 0 {
		out = append(out, codec.BodyPart{Data: body})
	}
	return append(out, end)
}

// RequestDecompressor decodes gzip and deflate request bodies before they
// reach the relay. Content-Encoding is left on the head so the upstream
// side can restore the same coding.
type RequestDecompressor struct {
	buf bodyBuffer
}

// NewRequestDecompressor returns an inbound stage for the client-facing side.
func NewRequestDecompressor() *RequestDecompressor { return &RequestDecompressor{} }

func (d *RequestDecompressor) Name() string { return RequestDecompressorName }

// Inbound decodes request bodies as they arrive.
func (d *RequestDecompressor) Inbound(p codec.Part) ([]codec.Part, error) {
	switch p := p.(type) {
	case codec.RequestHeadPart:
		switch c := Normalize(p.Head.Header.Get("Content-Encoding")); c {
		case Gzip, Deflate:
			d.buf.start(p, c)
			return nil, nil
		}
	case codec.BodyPart:
		if d.buf.active {
			d.buf.add(p)
			return nil, nil
		}
	case codec.EndPart:
		if d.buf.active {
			head := d.buf.head.(codec.RequestHeadPart)
			body, err := Decode(d.buf.coding, d.buf.body)
			if err != nil {
				d.buf = bodyBuffer{}
				return nil, fmt.Errorf("request body: %w", err)
			}
			head.Head = head.Head.Clone()
			head.Head.Header.Del("Content-Length")
			return d.buf.flush(head, body, p), nil
		}
	}
	return []codec.Part{p}, nil
}

// ResponseCompressor compresses responses written to the client according
// to the Accept-Encoding of the request they answer.
type ResponseCompressor struct {
	preferred []string // one entry per request awaiting a response
	buf       bodyBuffer
}

// NewResponseCompressor returns a duplex stage for the client-facing side.
func NewResponseCompressor() *ResponseCompressor { return &ResponseCompressor{} }

func (c *ResponseCompressor) Name() string { return ResponseCompressorName }

// Inbound records the coding each request accepts.
func (c *ResponseCompressor) Inbound(p codec.Part) ([]codec.Part, error) {
	if h, ok := p.(codec.RequestHeadPart); ok {
		coding := ""
		if h.Head.Method != "HEAD" {
			coding = Negotiate(h.Head.Header.Get("Accept-Encoding"), Gzip, Deflate)
		}
		c.preferred = append(c.preferred, coding)
	}
	return []codec.Part{p}, nil
}

// Outbound compresses the response body when the client accepts it.
func (c *ResponseCompressor) Outbound(p codec.Part) ([]codec.Part, error) {
	switch p := p.(type) {
	case codec.ResponseHeadPart:
		coding := ""
		if len(c.preferred) > 0 {
			coding = c.preferred[0]
			c.preferred = c.preferred[1:]
		}
		if coding != "" && compressible(p.Head) {
			c.buf.start(p, coding)
			return nil, nil
		}
	case codec.BodyPart:
		if c.buf.active {
			c.buf.add(p)
			return nil, nil
		}
	case codec.EndPart:
		if c.buf.active {
			head := c.buf.head.(codec.ResponseHeadPart)
			if len(c.buf.body) == 0 {
				return c.buf.flush(head, nil, p), nil
			}
			body, err := Encode(c.buf.coding, c.buf.body)
			if err != nil {
				c.buf = bodyBuffer{}
				return nil, fmt.Errorf("response body: %w", err)
			}
			head.Head = head.Head.Clone()
			head.Head.Header.Set("Content-Encoding", c.buf.coding)
			head.Head.Header.Del("Content-Length")
			return c.buf.flush(head, body, p), nil
		}
	}
	return []codec.Part{p}, nil
}

func compressible(h model.ResponseHead) bool {
	if h.Header.Has("Content-Encoding") {
		return false
	}
	switch {
	case h.Status < 200, h.Status == 204, h.Status == 304:
		return false
	}
	return true
}

// ResponseDecompressor decodes upstream response bodies so the relay sees
// plaintext. Content-Encoding and Content-Length are removed from the head.
type ResponseDecompressor struct {
	buf bodyBuffer
}

// NewResponseDecompressor returns an inbound stage for the upstream side.
func NewResponseDecompressor() *ResponseDecompressor { return &ResponseDecompressor{} }

func (d *ResponseDecompressor) Name() string { return ResponseDecompressorName }

// Inbound decodes response bodies as they arrive.
func (d *ResponseDecompressor) Inbound(p codec.Part) ([]codec.Part, error) {
	switch p := p.(type) {
	case codec.ResponseHeadPart:
		switch c := Normalize(p.Head.Header.Get("Content-Encoding")); c {
		case Gzip, Deflate, Brotli, Zstd:
			d.buf.start(p, c)
			return nil, nil
		}
	case codec.BodyPart:
		if d.buf.active {
			d.buf.add(p)
			return nil, nil
		}
	case codec.EndPart:
		if d.buf.active {
			head := d.buf.head.(codec.ResponseHeadPart)
			body, err := Decode(d.buf.coding, d.buf.body)
			if err != nil {
				d.buf = bodyBuffer{}
				return nil, fmt.Errorf("response body: %w", err)
			}
			head.Head = head.Head.Clone()
			head.Head.Header.Del("Content-Encoding")
			head.Head.Header.Del("Content-Length")
			return d.buf.flush(head, body, p), nil
		}
	}
	return []codec.Part{p}, nil
}

// RequestCompressor re-encodes outgoing request bodies whose head declares
// the coding the stage was built for.
type RequestCompressor struct {
	coding string
	buf    bodyBuffer
}

// NewRequestCompressor returns an outbound stage for coding, or nil when
// contentEncoding names neither gzip nor deflate.
func NewRequestCompressor(contentEncoding string) *RequestCompressor {
	lower := strings.ToLower(contentEncoding)
	switch {
	case strings.Contains(lower, Gzip):
		return &RequestCompressor{coding: Gzip}
	case strings.Contains(lower, Deflate):
		return &RequestCompressor{coding: Deflate}
	}
	return nil
}

func (c *RequestCompressor) Name() string { return RequestCompressorName }

// Coding returns the content coding this stage produces.
func (c *RequestCompressor) Coding() string { return c.coding }

// Outbound compresses matching request bodies.
func (c *RequestCompressor) Outbound(p codec.Part) ([]codec.Part, error) {
	switch p := p.(type) {
	case codec.RequestHeadPart:
		if Normalize(p.Head.Header.Get("Content-Encoding")) == c.coding {
			c.buf.start(p, c.coding)
			return nil, nil
		}
	case codec.BodyPart:
		if c.buf.active {
			c.buf.add(p)
			return nil, nil
		}
	case codec.EndPart:
		if c.buf.active {
			head := c.buf.head.(codec.RequestHeadPart)
			body, err := Encode(c.coding, c.buf.body)
			if err != nil {
				c.buf = bodyBuffer{}
				return nil, fmt.Errorf("request body: %w", err)
			}
			return c.buf.flush(head, body, p), nil
		}
	}
	return []codec.Part{p}, nil
}
