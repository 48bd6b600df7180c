package codec

import "io"

// Codec builds the decoder/encoder pair for one connection. The two halves
// share state so that responses to HEAD requests are framed correctly.
type Codec interface {
	NewDecoder(r io.Reader) Decoder
	NewEncoder() Encoder
}

// ServerCodec reads requests and writes responses.
type ServerCodec struct {
	methods methodQueue
}

// NewServerCodec returns a codec for the client-facing side of the proxy.
func NewServerCodec() *ServerCodec { return &ServerCodec{} }

// NewDecoder returns a request decoder reading from r.
func (c *ServerCodec) NewDecoder(r io.Reader) Decoder {
	return &RequestDecoder{messageReader: newMessageReader(r), methods: &c.methods}
}

// NewEncoder returns a response encoder.
func (c *ServerCodec) NewEncoder() Encoder {
	return &ResponseEncoder{methods: &c.methods}
}

// ClientCodec writes requests and reads responses.
type ClientCodec struct {
	methods methodQueue
}

// NewClientCodec returns a codec for the upstream-facing side of the proxy.
func NewClientCodec() *ClientCodec { return &ClientCodec{} }

// NewDecoder returns a response decoder reading from r.
func (c *ClientCodec) NewDecoder(r io.Reader) Decoder {
	return &ResponseDecoder{messageReader: newMessageReader(r), methods: &c.methods}
}

// NewEncoder returns a request encoder.
func (c *ClientCodec) NewEncoder() Encoder {
	return &RequestEncoder{methods: &c.methods}
}
