// Package codec turns an HTTP/1.x byte stream into message parts and back.
//
// A message is always a head part, zero or more body parts and an end part.
// Header blocks are parsed by hand so that field order and spelling survive
// the round trip; net/http canonicalises and reorders them.
package codec

import "intercept-proxy-go/internal/model"

// Part is one framing unit of an HTTP message.
type Part interface {
	part()
}

// RequestHeadPart carries a request start line and header block.
type RequestHeadPart struct {
	Head model.RequestHead
}

// ResponseHeadPart carries a response status line and header block.
type ResponseHeadPart struct {
	Head model.ResponseHead
}

// BodyPart carries a slice of message body.
type BodyPart struct {
	Data []byte
}

// EndPart marks the end of a message. Trailer is set only for chunked
// messages that carried trailer fields.
type EndPart struct {
	Trailer model.Header
}

func (RequestHeadPart) part()  {}
func (ResponseHeadPart) part() {}
func (BodyPart) part()         {}
func (EndPart) part()          {}

// Decoder reads parts from a connection. Next blocks until a part is
// available; Buffered reports how many already-received bytes are waiting
// to be decoded, which callers use to coalesce read-complete events. Peek
// blocks until at least one byte is buffered, consuming nothing, and
// returns the read error if the stream ends first.
type Decoder interface {
	Next() (Part, error)
	Buffered() int
	Peek() error
}

// Encoder serialises parts. Encode may hold parts back until a message is
// complete and returns the bytes that are ready to be written.
type Encoder interface {
	Encode(p Part) ([]byte, error)
}
