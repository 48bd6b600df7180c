package codec

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"intercept-proxy-go/internal/model"
)

// ErrNoHead is returned when a body part is encoded before any head part.
var ErrNoHead = errors.New("body part without a message head")

// messageWriter buffers one message until its end part arrives, so the
// framing headers can be computed from the final body.
type messageWriter struct {
	started bool
	body    bytes.Buffer
}

func (w *messageWriter) addBody(p BodyPart) error {
	if !w.started {
		return ErrNoHead
	}
	w.body.Write(p.Data)
	return nil
}

func (w *messageWriter) reset() {
	w.started = false
	w.body.Reset()
}

// RequestEncoder serialises requests on the client side of a connection.
type RequestEncoder struct {
	messageWriter
	head    model.RequestHead
	methods *methodQueue
}

// Encode buffers p and returns the wire bytes once the message is complete.
func (e *RequestEncoder) Encode(p Part) ([]byte, error) {
	switch p := p.(type) {
	case RequestHeadPart:
		e.reset()
		e.started = true
		e.head = p.Head.Clone()
		return nil, nil
	case BodyPart:
		return nil, e.addBody(p)
	case EndPart:
		if !e.started {
			return nil, nil
		}
		defer e.reset()
		e.methods.push(e.head.Method)
		return e.finish(), nil
	default:
		return nil, fmt.Errorf("request encoder: unexpected part %T", p)
	}
}

func (e *RequestEncoder) finish() []byte {
	hdr := e.head.Header.Clone()
	framed := hdr.Has("Content-Length") || hdr.Has("Transfer-Encoding")
	hdr.Del("Transfer-Encoding")
	if e.body.Len() > 0 || framed {
		hdr.Set("Content-Length", strconv.Itoa(e.body.Len()))
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %s %s\r\n", e.head.Method, e.head.URI, wireVersion(e.head.Version))
	writeFields(&out, hdr)
	out.Write(e.body.Bytes())
	return out.Bytes()
}

// ResponseEncoder serialises responses on the server side of a connection.
type ResponseEncoder struct {
	messageWriter
	head    model.ResponseHead
	methods *methodQueue
}

// Encode buffers p and returns the wire bytes once the message is complete.
func (e *ResponseEncoder) Encode(p Part) ([]byte, error) {
	switch p := p.(type) {
	case ResponseHeadPart:
		e.reset()
		e.started = true
		e.head = p.Head.Clone()
		return nil, nil
	case BodyPart:
		return nil, e.addBody(p)
	case EndPart:
		if !e.started {
			return nil, nil
		}
		defer e.reset()
		return e.finish(e.methods.pop()), nil
	default:
		return nil, fmt.Errorf("response encoder: unexpected part %T", p)
	}
}

func (e *ResponseEncoder) finish(method string) []byte {
	hdr := e.head.Header.Clone()
	body := e.body.Bytes()
	switch {
	case !bodyAllowedForStatus(e.head.Status):
		hdr.Del("Transfer-Encoding")
		if e.head.Status != http.StatusNotModified {
			hdr.Del("Content-Length")
		}
		body = nil
	case method == http.MethodHead:
		body = nil
	default:
		hdr.Del("Transfer-Encoding")
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %d %s\r\n", wireVersion(e.head.Version), e.head.Status, e.head.Reason())
	writeFields(&out, hdr)
	out.Write(body)
	return out.Bytes()
}

func writeFields(out *bytes.Buffer, hdr model.Header) {
	for _, f := range hdr.Fields() {
		out.WriteString(f.Name)
		out.WriteString(": ")
		out.WriteString(f.Value)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
}

// wireVersion is the version written on an HTTP/1.x start line. Heads
// that claim HTTP/2 are still framed as HTTP/1.1.
func wireVersion(v model.Version) string {
	if v == model.Version10 {
		return model.Version10.String()
	}
	return model.Version11.String()
}
