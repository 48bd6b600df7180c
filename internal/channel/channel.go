// Package channel wraps a network connection in an event-driven pipeline.
//
// Each Channel is owned by one eventloop.Loop. A reader goroutine decodes
// parts and posts them to the loop, a writer goroutine drains flushed bytes
// to the connection, and every pipeline and handler call happens on the
// loop. Write, Flush, CloseWrite and the pipeline accessors are loop-only;
// Close, Pause, Resume and Writable are safe from any goroutine.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/eventloop"
)

var (
	// ErrClosed is returned when writing to a channel that is closing.
	ErrClosed = errors.New("channel closed")
	// ErrNoCodec is returned when writing before a codec is installed.
	ErrNoCodec = errors.New("channel has no codec")
)

// Write buffer watermarks used when Options leaves them unset.
const (
	DefaultHighWatermark = 64 << 10
	DefaultLowWatermark  = 32 << 10
)

// closeDrainTimeout bounds how long Close waits for queued writes.
const closeDrainTimeout = 5 * time.Second

// Options configures a Channel.
type Options struct {
	Logger        *slog.Logger
	HighWatermark int
	LowWatermark  int
}

// Channel is one connection plus its pipeline.
type Channel struct {
	id       string
	loop     *eventloop.Loop
	logger   *slog.Logger
	raw      net.Conn
	br       *bufio.Reader
	pipeline Pipeline

	// loop-owned
	codec     codec.Codec
	enc       codec.Encoder
	out       []byte
	ioStarted bool
	started   bool
	inactive  bool

	connMu sync.Mutex
	conn   net.Conn

	readMu sync.Mutex
	paused bool
	resume chan struct{}

	wq     writeQueue
	closed chan struct{}

	closing  *atomic.Bool
	writable *atomic.Bool
	pending  *atomic.Int64
	high     int64
	low      int64
}

// New wraps conn. Nothing is read until Start is called.
func New(conn net.Conn, loop *eventloop.Loop, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HighWatermark <= 0 {
		opts.HighWatermark = DefaultHighWatermark
	}
	if opts.LowWatermark <= 0 || opts.LowWatermark > opts.HighWatermark {
		opts.LowWatermark = opts.HighWatermark / 2
	}
	id := uuid.NewString()
	br := bufio.NewReaderSize(conn, 32<<10)
	c := &Channel{
		id:       id,
		loop:     loop,
		logger:   opts.Logger.With("conn", id),
		raw:      conn,
		br:       br,
		conn:     &bufferedConn{Conn: conn, r: br},
		wq:       writeQueue{wake: make(chan struct{}, 1)},
		closed:   make(chan struct{}),
		closing:  atomic.NewBool(false),
		writable: atomic.NewBool(true),
		pending:  atomic.NewInt64(0),
		high:     int64(opts.HighWatermark),
		low:      int64(opts.LowWatermark),
	}
	go c.writeLoop()
	return c
}

// ID returns the channel's unique identifier.
func (c *Channel) ID() string { return c.id }

// Loop returns the owning loop.
func (c *Channel) Loop() *eventloop.Loop { return c.loop }

// Logger returns the channel's logger.
func (c *Channel) Logger() *slog.Logger { return c.logger }

// Pipeline returns the channel's pipeline. Loop-only.
func (c *Channel) Pipeline() *Pipeline { return &c.pipeline }

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Conn returns the connection as seen by the codec, including any layers
// added with Wrap.
func (c *Channel) Conn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Done is closed once the underlying connection has been closed.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Writable reports whether the write buffer is below the high watermark.
func (c *Channel) Writable() bool { return c.writable.Load() }

// Closing reports whether Close has been called.
func (c *Channel) Closing() bool { return c.closing.Load() }

// SetCodec installs the framing codec. Loop-only.
func (c *Channel) SetCodec(cd codec.Codec) {
	c.codec = cd
	c.enc = cd.NewEncoder()
}

// Wrap layers fn over the connection, for example to terminate TLS. It is
// only allowed before decoding starts. Loop-only.
func (c *Channel) Wrap(name string, fn func(net.Conn) net.Conn) error {
	if c.ioStarted {
		return fmt.Errorf("wrap %s: decoding already started", name)
	}
	c.connMu.Lock()
	c.conn = fn(c.conn)
	c.connMu.Unlock()
	c.pipeline.layers = append(c.pipeline.layers, name)
	return nil
}

// Start begins reading. When the pipeline holds a Sniffer the first bytes
// are handed to it before a decoder is built. Loop-only.
func (c *Channel) Start() {
	if c.started {
		return
	}
	c.started = true
	sniff := len(c.pipeline.sniffers()) > 0
	if !sniff {
		c.ioStarted = true
	}
	go c.readLoop(sniff)
	if !sniff {
		c.fireActive()
	}
}

// Pause stops the reader after the part it is currently decoding.
func (c *Channel) Pause() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if !c.paused {
		c.paused = true
		c.resume = make(chan struct{})
	}
}

// Resume lets a paused reader continue.
func (c *Channel) Resume() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resume)
	}
}

// Paused reports whether reads are suspended.
func (c *Channel) Paused() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.paused
}

// Write passes p through the outbound stages and the encoder and buffers
// the result until Flush. Loop-only.
func (c *Channel) Write(p codec.Part) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if c.enc == nil {
		return ErrNoCodec
	}
	parts, err := c.pipeline.outbound(p)
	if err != nil {
		return err
	}
	n := 0
	for _, q := range parts {
		b, err := c.enc.Encode(q)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		c.out = append(c.out, b...)
		n += len(b)
	}
	c.addPending(n)
	return nil
}

// Flush hands buffered bytes to the writer. Loop-only.
func (c *Channel) Flush() {
	if len(c.out) == 0 || c.closing.Load() {
		return
	}
	c.wq.push(writeOp{data: c.out})
	c.out = nil
}

// WriteAndFlush writes p and flushes. Loop-only.
func (c *Channel) WriteAndFlush(p codec.Part) error {
	if err := c.Write(p); err != nil {
		return err
	}
	c.Flush()
	return nil
}

// CloseWrite flushes and then shuts down the write side once every queued
// byte has been written. Loop-only.
func (c *Channel) CloseWrite() {
	if c.closing.Load() {
		return
	}
	c.Flush()
	c.wq.push(writeOp{closeWrite: true})
}

// Close closes the connection after queued writes drain. Unflushed bytes
// are dropped. Inactive follows on the loop.
func (c *Channel) Close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.readMu.Lock()
	if c.paused {
		c.paused = false
		close(c.resume)
	}
	c.readMu.Unlock()
	_ = c.Conn().SetWriteDeadline(time.Now().Add(closeDrainTimeout))
	c.wq.push(writeOp{close: true})
}

func (c *Channel) addPending(n int) {
	if n == 0 {
		return
	}
	if v := c.pending.Add(int64(n)); v > c.high && c.writable.CompareAndSwap(true, false) {
		c.loop.Execute(func() { c.fireWritability(false) })
	}
}

func (c *Channel) releasePending(n int) {
	if v := c.pending.Sub(int64(n)); v < c.low && c.writable.CompareAndSwap(false, true) {
		c.loop.Execute(func() { c.fireWritability(true) })
	}
}

// waitDemand blocks while reads are paused. It returns false once the
// channel is closing, and true early if the stream ended while paused.
func (c *Channel) waitDemand(dec codec.Decoder) bool {
	watched := false
	for {
		if c.closing.Load() {
			return false
		}
		c.readMu.Lock()
		if !c.paused {
			c.readMu.Unlock()
			return true
		}
		ch := c.resume
		c.readMu.Unlock()
		if !watched && dec.Buffered() == 0 {
			// Nothing is waiting to be decoded, so block on the socket
			// instead. Arriving bytes stay buffered; a close or reset is
			// handed to the decoder, which turns it into an end part, a
			// truncation error or io.EOF without waiting for Resume.
			watched = true
			if err := dec.Peek(); err != nil {
				return true
			}
			continue
		}
		<-ch
	}
}

func (c *Channel) readLoop(sniff bool) {
	if sniff {
		first, err := c.peekFirst()
		if err != nil {
			c.readFailed(err)
			return
		}
		ready := make(chan struct{})
		if !c.loop.Execute(func() {
			defer close(ready)
			c.runSniffers(first)
		}) {
			c.Close()
			return
		}
		<-ready
	}
	if c.closing.Load() || c.codec == nil {
		return
	}

	dec := c.codec.NewDecoder(c.Conn())
	for {
		if !c.waitDemand(dec) {
			return
		}
		part, err := dec.Next()
		if err != nil {
			c.readFailed(err)
			return
		}
		_, end := part.(codec.EndPart)
		batchDone := end || dec.Buffered() == 0
		c.loop.Execute(func() {
			c.fireRead(part)
			if batchDone {
				c.fireReadComplete()
			}
		})
	}
}

func (c *Channel) peekFirst() ([]byte, error) {
	if _, err := c.br.Peek(1); err != nil {
		return nil, err
	}
	b, err := c.br.Peek(c.br.Buffered())
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

func (c *Channel) runSniffers(first []byte) {
	if c.closing.Load() {
		return
	}
	for _, s := range c.pipeline.sniffers() {
		if err := s.FirstBytes(c, first); err != nil {
			c.fireError(err)
			c.Close()
			return
		}
	}
	c.ioStarted = true
	if c.codec == nil || c.pipeline.handler == nil {
		c.logger.Warn("pipeline incomplete after first bytes, closing", "stages", c.pipeline.Names())
		c.Close()
		return
	}
	c.fireActive()
}

func (c *Channel) readFailed(err error) {
	if !c.loop.Execute(func() {
		if c.closing.Load() {
			return
		}
		if errors.Is(err, io.EOF) {
			c.fireInputClosed()
		} else {
			c.fireError(err)
		}
		c.Close()
	}) {
		c.Close()
	}
}

func (c *Channel) fireActive() {
	if h := c.pipeline.handler; h != nil {
		h.Active(c)
	}
}

func (c *Channel) fireRead(p codec.Part) {
	if c.closing.Load() {
		return
	}
	parts, err := c.pipeline.inbound(p)
	if err != nil {
		c.fireError(err)
		return
	}
	h := c.pipeline.handler
	if h == nil {
		c.logger.Debug("dropping part, no handler installed", "part", fmt.Sprintf("%T", p))
		return
	}
	for _, q := range parts {
		h.Read(c, q)
	}
}

func (c *Channel) fireReadComplete() {
	if h := c.pipeline.handler; h != nil && !c.closing.Load() {
		h.ReadComplete(c)
	}
}

func (c *Channel) fireWritability(writable bool) {
	if h := c.pipeline.handler; h != nil {
		h.WritabilityChanged(c, writable)
	}
}

func (c *Channel) fireInputClosed() {
	if h := c.pipeline.handler; h != nil {
		h.InputClosed(c)
	}
}

func (c *Channel) fireError(err error) {
	if h := c.pipeline.handler; h != nil && !c.closing.Load() {
		h.ErrorCaught(c, err)
		return
	}
	c.logger.Debug("channel error", "error", err)
	c.Close()
}

func (c *Channel) fireInactive() {
	if c.inactive {
		return
	}
	c.inactive = true
	h := c.pipeline.handler
	if h == nil {
		return
	}
	h.Inactive(c)
	h.HandlerRemoved(c)
	c.pipeline.handler = nil
}

type writeOp struct {
	data       []byte
	closeWrite bool
	close      bool
}

type writeQueue struct {
	mu   sync.Mutex
	ops  []writeOp
	wake chan struct{}
}

func (q *writeQueue) push(op writeOp) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *writeQueue) take() []writeOp {
	for {
		q.mu.Lock()
		ops := q.ops
		q.ops = nil
		q.mu.Unlock()
		if len(ops) > 0 {
			return ops
		}
		<-q.wake
	}
}

func (c *Channel) writeLoop() {
	var failed bool
	for {
		for _, op := range c.wq.take() {
			switch {
			case op.close:
				_ = c.Conn().Close()
				_ = c.raw.Close()
				close(c.closed)
				c.loop.Execute(c.fireInactive)
				return
			case op.closeWrite:
				if failed {
					continue
				}
				if cw, ok := c.Conn().(interface{ CloseWrite() error }); ok {
					if err := cw.CloseWrite(); err != nil {
						c.logger.Debug("close write", "error", err)
					}
				}
			default:
				if !failed {
					if _, err := c.Conn().Write(op.data); err != nil {
						failed = true
						c.postError(fmt.Errorf("write: %w", err))
					}
				}
				c.releasePending(len(op.data))
			}
		}
	}
}

func (c *Channel) postError(err error) {
	if !c.loop.Execute(func() { c.fireError(err) }) {
		c.Close()
	}
}

// bufferedConn replays bytes already pulled into r during sniffing.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
