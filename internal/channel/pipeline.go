package channel

import (
	"fmt"
	"slices"

	"intercept-proxy-go/internal/codec"
)

// Stage is a named unit in a channel pipeline.
type Stage interface {
	Name() string
}

// InboundStage transforms decoded parts on their way to the handler.
// Returning no parts holds the input back.
type InboundStage interface {
	Stage
	Inbound(p codec.Part) ([]codec.Part, error)
}

// OutboundStage transforms parts on their way to the encoder.
type OutboundStage interface {
	Stage
	Outbound(p codec.Part) ([]codec.Part, error)
}

// Sniffer sees the first bytes received on a channel before any decoding
// starts. It is expected to rewire the pipeline and remove itself.
type Sniffer interface {
	Stage
	FirstBytes(c *Channel, data []byte) error
}

// Handler is the terminal element of a pipeline. All methods run on the
// channel's loop.
type Handler interface {
	// Active is called once I/O begins.
	Active(c *Channel)
	// Read receives one decoded part.
	Read(c *Channel, p codec.Part)
	// ReadComplete marks the end of a batch of reads.
	ReadComplete(c *Channel)
	// WritabilityChanged reports crossing the write buffer watermarks.
	WritabilityChanged(c *Channel, writable bool)
	// InputClosed reports that the peer will send no more data.
	InputClosed(c *Channel)
	// Inactive is called once the connection is closed.
	Inactive(c *Channel)
	// ErrorCaught receives read, write and stage errors.
	ErrorCaught(c *Channel, err error)
	// HandlerRemoved is the last call a handler receives.
	HandlerRemoved(c *Channel)
}

// Pipeline is the ordered chain of stages plus a terminal handler. It is
// owned by a channel's loop and must only be touched from there.
type Pipeline struct {
	layers      []string
	stages      []Stage
	handler     Handler
	handlerName string
}

// AddLast appends s. Stage names must be unique.
func (p *Pipeline) AddLast(s Stage) error {
	if p.index(s.Name()) >= 0 {
		return fmt.Errorf("pipeline: duplicate stage %q", s.Name())
	}
	p.stages = append(p.stages, s)
	return nil
}

// Remove drops the stage called name and reports whether it was present.
func (p *Pipeline) Remove(name string) bool {
	i := p.index(name)
	if i < 0 {
		return false
	}
	p.stages = slices.Delete(p.stages, i, i+1)
	return true
}

// Get returns the stage called name, or nil.
func (p *Pipeline) Get(name string) Stage {
	if i := p.index(name); i >= 0 {
		return p.stages[i]
	}
	return nil
}

// SetHandler installs the terminal handler.
func (p *Pipeline) SetHandler(name string, h Handler) {
	p.handlerName = name
	p.handler = h
}

// Handler returns the terminal handler, or nil.
func (p *Pipeline) Handler() Handler { return p.handler }

// Names lists connection layers, stages and the handler in processing order.
func (p *Pipeline) Names() []string {
	names := slices.Clone(p.layers)
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	if p.handler != nil {
		names = append(names, p.handlerName)
	}
	return names
}

func (p *Pipeline) index(name string) int {
	return slices.IndexFunc(p.stages, func(s Stage) bool { return s.Name() == name })
}

func (p *Pipeline) snapshot() []Stage { return slices.Clone(p.stages) }

func (p *Pipeline) sniffers() []Sniffer {
	var out []Sniffer
	for _, s := range p.stages {
		if sn, ok := s.(Sniffer); ok {
			out = append(out, sn)
		}
	}
	return out
}

// inbound runs p through every inbound stage in order.
func (p *Pipeline) inbound(part codec.Part) ([]codec.Part, error) {
	parts := []codec.Part{part}
	for _, s := range p.snapshot() {
		in, ok := s.(InboundStage)
		if !ok {
			continue
		}
		var next []codec.Part
		for _, q := range parts {
			out, err := in.Inbound(q)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", s.Name(), err)
			}
			next = append(next, out...)
		}
		if parts = next; len(parts) == 0 {
			return nil, nil
		}
	}
	return parts, nil
}

// outbound runs p through every outbound stage from last to first.
func (p *Pipeline) outbound(part codec.Part) ([]codec.Part, error) {
	parts := []codec.Part{part}
	stages := p.snapshot()
	for i := len(stages) - 1; i >= 0; i-- {
		out, ok := stages[i].(OutboundStage)
		if !ok {
			continue
		}
		var next []codec.Part
		for _, q := range parts {
			res, err := out.Outbound(q)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", stages[i].Name(), err)
			}
			next = append(next, res...)
		}
		if parts = next; len(parts) == 0 {
			return nil, nil
		}
	}
	return parts, nil
}
