package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"

	"intercept-proxy-go/internal/model"
)

// ErrMalformed is returned when the byte stream is not valid HTTP/1.x framing.
var ErrMalformed = errors.New("malformed http message")

// ErrTruncated is returned when the peer closes the stream in the middle of
// a message. It is a framing error, distinct from transport-level
// io.ErrUnexpectedEOF.
var ErrTruncated = fmt.Errorf("%w: message truncated", ErrMalformed)

// maxBodyChunk bounds the size of a single BodyPart.
const maxBodyChunk = 16 << 10

// messageReader holds the state shared by request and response decoders.
type messageReader struct {
	br *bufio.Reader
	tp *textproto.Reader

	body     io.Reader // nil when the current message has no body
	chunked  bool
	untilEOF bool
	inBody   bool
	done     bool // a close-delimited body ended; nothing follows
}

func newMessageReader(r io.Reader) messageReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 32<<10)
	}
	return messageReader{br: br, tp: textproto.NewReader(br)}
}

func (m *messageReader) Buffered() int { return m.br.Buffered() }

func (m *messageReader) Peek() error {
	_, err := m.br.Peek(1)
	return err
}

// readHead reads a start line and header block. Empty lines ahead of the
// start line are skipped.
func (m *messageReader) readHead() (string, model.Header, error) {
	var line string
	for {
		l, err := m.tp.ReadLine()
		if err != nil {
			return "", model.Header{}, err
		}
		if l != "" {
			line = l
			break
		}
	}
	hdr, err := m.readFields()
	if err != nil {
		return "", model.Header{}, err
	}
	return line, hdr, nil
}

// readFields reads header lines up to the terminating empty line.
func (m *messageReader) readFields() (model.Header, error) {
	var fields []model.Field
	for {
		l, err := m.tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return model.Header{}, ErrTruncated
			}
			return model.Header{}, err
		}
		if l == "" {
			return model.NewHeader(fields...), nil
		}
		if l[0] == ' ' || l[0] == '\t' {
			if len(fields) == 0 {
				return model.Header{}, fmt.Errorf("%w: continuation line without field", ErrMalformed)
			}
			last := &fields[len(fields)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(l))
			continue
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return model.Header{}, fmt.Errorf("%w: bad header line %q", ErrMalformed, l)
		}
		fields = append(fields, model.Field{Name: name, Value: strings.Trim(value, " \t")})
	}
}

// startBody selects the body framing for a message whose head was just read.
func (m *messageReader) startBody(hdr model.Header, mayHaveBody, untilEOF bool) error {
	m.body, m.chunked, m.untilEOF = nil, false, false
	m.inBody = true
	if !mayHaveBody {
		return nil
	}
	if isChunked(hdr) {
		m.body = httputil.NewChunkedReader(m.br)
		m.chunked = true
		return nil
	}
	if vals := hdr.Values("Content-Length"); len(vals) > 0 {
		n, err := parseContentLength(vals)
		if err != nil {
			return err
		}
		if n > 0 {
			m.body = &lengthReader{r: m.br, n: n}
		}
		return nil
	}
	if untilEOF {
		m.body = m.br
		m.untilEOF = true
	}
	return nil
}

// nextBody returns the next body or end part of the current message.
func (m *messageReader) nextBody() (Part, error) {
	if m.body == nil {
		m.inBody = false
		return EndPart{}, nil
	}
	buf := make([]byte, maxBodyChunk)
	for {
		n, err := m.body.Read(buf)
		if n > 0 {
			return BodyPart{Data: buf[:n]}, nil
		}
		if err == nil {
			continue
		}
		if m.chunked && errors.Is(err, io.ErrUnexpectedEOF) {
			// The chunked reader reports a clean EOF mid-chunk the same way
			// as a broken transport; the underlying reader tells them apart.
			if _, perr := m.br.Peek(1); errors.Is(perr, io.EOF) {
				return nil, ErrTruncated
			}
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		end := EndPart{}
		if m.chunked {
			trailer, terr := m.readFields()
			if terr != nil {
				return nil, fmt.Errorf("read trailer: %w", terr)
			}
			end.Trailer = trailer
		}
		if m.untilEOF {
			m.done = true
		}
		m.body = nil
		m.inBody = false
		return end, nil
	}
}

// RequestDecoder decodes requests arriving on the server side of a connection.
type RequestDecoder struct {
	messageReader
	methods *methodQueue
}

// Next returns the next request part.
func (d *RequestDecoder) Next() (Part, error) {
	if d.inBody {
		return d.nextBody()
	}
	line, hdr, err := d.readHead()
	if err != nil {
		return nil, err
	}
	method, uri, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, line)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, fmt.Errorf("%w: bad protocol %q", ErrMalformed, proto)
	}
	if err := d.startBody(hdr, true, false); err != nil {
		return nil, err
	}
	d.methods.push(method)
	return RequestHeadPart{Head: model.RequestHead{
		Version: model.ParseVersion(major, minor),
		Method:  method,
		URI:     uri,
		Header:  hdr,
	}}, nil
}

// ResponseDecoder decodes responses arriving on the client side of a connection.
type ResponseDecoder struct {
	messageReader
	methods *methodQueue
}

// Next returns the next response part. Interim 1xx responses other than
// 101 are consumed silently.
func (d *ResponseDecoder) Next() (Part, error) {
	if d.inBody {
		return d.nextBody()
	}
	if d.done {
		return nil, io.EOF
	}
	for {
		line, hdr, err := d.readHead()
		if err != nil {
			return nil, err
		}
		proto, status, ok := parseStatusLine(line)
		if !ok {
			return nil, fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
		}
		major, minor, ok := http.ParseHTTPVersion(proto)
		if !ok {
			return nil, fmt.Errorf("%w: bad protocol %q", ErrMalformed, proto)
		}
		if status >= 100 && status < 200 && status != http.StatusSwitchingProtocols {
			continue
		}
		method := d.methods.pop()
		if err := d.startBody(hdr, responseMayHaveBody(method, status), true); err != nil {
			return nil, err
		}
		return ResponseHeadPart{Head: model.ResponseHead{
			Version: model.ParseVersion(major, minor),
			Status:  status,
			Header:  hdr,
		}}, nil
	}
}

func parseRequestLine(line string) (method, uri, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	uri, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || uri == "" {
		return "", "", "", false
	}
	return method, uri, proto, true
}

func parseStatusLine(line string) (proto string, status int, ok bool) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return "", 0, false
	}
	code, _, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return "", 0, false
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return "", 0, false
	}
	return proto, status, true
}

func responseMayHaveBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return bodyAllowedForStatus(status)
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func isChunked(hdr model.Header) bool {
	vals := hdr.Values("Transfer-Encoding")
	if len(vals) == 0 {
		return false
	}
	codings := strings.Split(vals[len(vals)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

func parseContentLength(vals []string) (int64, error) {
	var n int64 = -1
	for _, v := range vals {
		for _, s := range strings.Split(v, ",") {
			parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil || parsed < 0 {
				return 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, v)
			}
			if n >= 0 && parsed != n {
				return 0, fmt.Errorf("%w: conflicting Content-Length values", ErrMalformed)
			}
			n = parsed
		}
	}
	return n, nil
}

// lengthReader reads exactly n bytes and reports a short stream as
// ErrTruncated rather than a clean end of body.
type lengthReader struct {
	r io.Reader
	n int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if errors.Is(err, io.EOF) && l.n > 0 {
		if n > 0 {
			return n, nil
		}
		return 0, ErrTruncated
	}
	return n, err
}
