package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"go.uber.org/atomic"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/eventloop"
)

// ErrMissingHead is reported when a message ends before its head arrived.
var ErrMissingHead = errors.New("end of message without a head")

// Partner is what one side of a pairing may ask of the other. Every call
// is marshalled onto the loop that owns the partner's connection.
type Partner interface {
	PartnerWrite(p codec.Part)
	PartnerFlush()
	PartnerWriteEOF()
	PartnerCloseFull()
	PartnerBecameWritable()
	PartnerWritable() bool
}

type role string

const (
	roleServer role = "server"
	roleClient role = "client"
)

// session is the state and behaviour shared by both relay handlers.
type session struct {
	id     string
	role   role
	reg    *Registry
	logger *slog.Logger
	loop   *eventloop.Loop

	mu sync.Mutex
	ch *channel.Channel

	partnerID *atomic.String

	// loop-owned
	corrID     string
	method     string
	awaiting   bool // reads paused until the partner answers
	afterWrite func(ch *channel.Channel, p codec.Part)
	onRemoved  func()
}

func newSession(r role, reg *Registry, logger *slog.Logger) session {
	return session{role: r, reg: reg, logger: logger, partnerID: atomic.NewString("")}
}

// bind attaches the session to its channel and registers it.
func (s *session) bind(ch *channel.Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	s.id = ch.ID()
	s.loop = ch.Loop()
	s.logger = ch.Logger().With("role", string(s.role))
	s.reg.register(s)
}

// expect records the exchange in progress. It runs on the session's loop,
// or before its channel is started.
func (s *session) expect(id, method string) {
	s.corrID = id
	s.method = method
}

// CorrelationID returns the id of the current exchange. Loop-only.
func (s *session) CorrelationID() string { return s.corrID }

func (s *session) channel() *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// partner resolves the paired session, if it is still registered.
func (s *session) partner() (*session, bool) {
	return s.reg.lookup(s.partnerID.Load())
}

// exec runs fn on the session's loop while its channel is attached.
func (s *session) exec(fn func(ch *channel.Channel)) {
	s.loop.Execute(func() {
		if ch := s.channel(); ch != nil {
			fn(ch)
		}
	})
}

func (s *session) PartnerWrite(p codec.Part) {
	s.exec(func(ch *channel.Channel) {
		if err := ch.Write(p); err != nil {
			fail(ch, err)
			return
		}
		if s.afterWrite != nil {
			s.afterWrite(ch, p)
		}
	})
}

func (s *session) PartnerFlush() {
	s.exec(func(ch *channel.Channel) { ch.Flush() })
}

func (s *session) PartnerWriteEOF() {
	s.exec(func(ch *channel.Channel) { ch.CloseWrite() })
}

func (s *session) PartnerCloseFull() {
	s.exec(func(ch *channel.Channel) { ch.Close() })
}

func (s *session) PartnerBecameWritable() {
	s.exec(func(ch *channel.Channel) {
		if !s.awaiting {
			ch.Resume()
		}
	})
}

func (s *session) PartnerWritable() bool {
	ch := s.channel()
	return ch != nil && ch.Writable()
}

// fail routes err to whichever handler is installed on ch.
func fail(ch *channel.Channel, err error) {
	if h := ch.Pipeline().Handler(); h != nil {
		h.ErrorCaught(ch, err)
		return
	}
	ch.Close()
}

// forward sends a complete message to the partner and flushes it.
func forward(p Partner, head codec.Part, body []byte) {
	p.PartnerWrite(head)
	if len(body) > 0 {
		p.PartnerWrite(codec.BodyPart{Data: body})
	}
	p.PartnerWrite(codec.EndPart{})
	p.PartnerFlush()
}

func (s *session) ReadComplete(ch *channel.Channel) {
	p, ok := s.partner()
	if !ok {
		return
	}
	p.PartnerFlush()
	if !p.PartnerWritable() {
		ch.Pause()
	}
}

// WritabilityChanged stops the partner's reads while this side's write
// buffer is over the high watermark and restarts them once it drains.
func (s *session) WritabilityChanged(_ *channel.Channel, writable bool) {
	p, ok := s.partner()
	if !ok {
		return
	}
	if !writable {
		if ch := p.channel(); ch != nil {
			ch.Pause()
		}
		return
	}
	p.PartnerBecameWritable()
}

func (s *session) InputClosed(*channel.Channel) {
	if p, ok := s.partner(); ok {
		p.PartnerWriteEOF()
	}
}

func (s *session) Inactive(ch *channel.Channel) {
	ch.Close()
	if p, ok := s.partner(); ok {
		p.PartnerCloseFull()
	}
}

func (s *session) ErrorCaught(ch *channel.Channel, err error) {
	if IsBenign(err) {
		s.logger.Debug("connection closed", "error", err)
	} else {
		s.logger.Error("relay error", "error", err)
	}
	if p, ok := s.partner(); ok {
		p.PartnerCloseFull()
	}
	ch.Close()
}

func (s *session) HandlerRemoved(*channel.Channel) {
	s.mu.Lock()
	s.ch = nil
	s.mu.Unlock()
	s.partnerID.Store("")
	s.reg.deregister(s.id)
	if s.onRemoved != nil {
		s.onRemoved()
	}
}

// accumulator assembles one message from its parts.
type accumulator struct {
	head codec.Part
	body []byte
}

type phase int

const (
	awaitingHead phase = iota
	accumulatingBody
	complete
)

func (a *accumulator) phase() phase {
	if a.head == nil {
		return awaitingHead
	}
	return accumulatingBody
}

// add consumes p and reports whether a message is complete. An end part
// without a head yields ErrMissingHead.
func (a *accumulator) add(p codec.Part) (phase, error) {
	switch p := p.(type) {
	case codec.RequestHeadPart, codec.ResponseHeadPart:
		a.head, a.body = p, nil
	case codec.BodyPart:
		if a.head != nil {
			a.body = append(a.body, p.Data...)
		}
	case codec.EndPart:
		if a.head == nil {
			return awaitingHead, ErrMissingHead
		}
		return complete, nil
	}
	return a.phase(), nil
}

// take returns the completed message and resets the accumulator.
func (a *accumulator) take() (codec.Part, []byte) {
	head, body := a.head, a.body
	a.head, a.body = nil, nil
	return head, body
}

// IsBenign reports whether err is ordinary connection teardown rather than
// a fault. A bare io.ErrUnexpectedEOF comes from the transport, typically a
// TLS peer closing without close_notify; truncated HTTP messages surface as
// codec.ErrTruncated and are faults.
func IsBenign(err error) bool {
	switch {
	case errors.Is(err, codec.ErrMalformed):
		return false
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, channel.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
