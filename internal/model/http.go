package model

import (
	"fmt"
	"net/http"
)

// Version is an HTTP protocol version.
type Version int

const (
	Version11 Version = iota
	Version10
	Version2
)

// String returns the version as written on an HTTP/1.x start line.
func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version2:
		return "HTTP/2.0"
	default:
		return "HTTP/1.1"
	}
}

// ParseVersion maps major/minor numbers to a Version. Unknown pairs map to 1.1.
func ParseVersion(major, minor int) Version {
	switch {
	case major == 1 && minor == 0:
		return Version10
	case major == 2:
		return Version2
	default:
		return Version11
	}
}

// RequestHead is the start line and header block of a request.
type RequestHead struct {
	Version Version
	Method  string
	URI     string
	Header  Header
}

// Clone returns a deep copy of the head.
func (h RequestHead) Clone() RequestHead {
	h.Header = h.Header.Clone()
	return h
}

// ResponseHead is the status line and header block of a response.
type ResponseHead struct {
	Version Version
	Status  int
	Header  Header
}

// Clone returns a deep copy of the head.
func (h ResponseHead) Clone() ResponseHead {
	h.Header = h.Header.Clone()
	return h
}

// Reason returns the canonical reason phrase for the status code.
func (h ResponseHead) Reason() string {
	if txt := http.StatusText(h.Status); txt != "" {
		return txt
	}
	return fmt.Sprintf("status code %d", h.Status)
}

// Request is a fully assembled HTTP request.
type Request struct {
	RequestHead
	Body []byte
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	r.RequestHead = r.RequestHead.Clone()
	r.Body = append([]byte(nil), r.Body...)
	return r
}

// Response is a fully assembled HTTP response.
type Response struct {
	ResponseHead
	Body []byte
}

// Clone returns a deep copy of the response.
func (r Response) Clone() Response {
	r.ResponseHead = r.ResponseHead.Clone()
	r.Body = append([]byte(nil), r.Body...)
	return r
}

// NewResponse builds an HTTP/1.1 response with the given status, headers and body.
func NewResponse(status int, body []byte, fields ...Field) *Response {
	return &Response{
		ResponseHead: ResponseHead{Version: Version11, Status: status, Header: NewHeader(fields...)},
		Body:         body,
	}
}
