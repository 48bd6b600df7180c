package relay

import (
	"time"

	"github.com/google/uuid"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/upstream"
)

// ServerHandler owns the client-facing connection. It assembles requests,
// hands them to the delegate and either answers directly or relays them to
// an upstream partner.
type ServerHandler struct {
	session
	engine  *Engine
	msg     accumulator
	started time.Time
	// queued holds pipelined requests that arrived while an exchange was in
	// flight. Loop-owned.
	queued  []model.Request
}

func newServerHandler(e *Engine) *ServerHandler {
	h := &ServerHandler{
		session: newSession(roleServer, e.registry, e.logger),
		engine:  e,
	}
	h.afterWrite = h.responseWritten
	return h
}

func (h *ServerHandler) Active(ch *channel.Channel) {
	h.bind(ch)
}

func (h *ServerHandler) Read(ch *channel.Channel, p codec.Part) {
	ph, err := h.msg.add(p)
	if err != nil {
		h.logger.Error("malformed request", "error", err)
		if partner, ok := h.partner(); ok {
			partner.PartnerWrite(codec.EndPart{})
		}
		return
	}
	if ph != complete {
		return
	}
	head, body := h.msg.take()
	req := model.Request{RequestHead: head.(codec.RequestHeadPart).Head, Body: body}
	if h.awaiting || len(h.queued) > 0 {
		h.queued = append(h.queued, req)
		return
	}
	h.dispatch(ch, req)
}

// drain dispatches queued requests until one has to wait for upstream.
// Reads resume only once nothing is in flight.
func (h *ServerHandler) drain(ch *channel.Channel) {
	for !h.awaiting && len(h.queued) > 0 && !ch.Closing() {
		req := h.queued[0]
		h.queued[0] = model.Request{}
		h.queued = h.queued[1:]
		h.dispatch(ch, req)
	}
	if !h.awaiting && len(h.queued) == 0 {
		ch.Resume()
	}
}

// dispatch runs the delegate on a complete request and routes the result.
func (h *ServerHandler) dispatch(ch *channel.Channel, req model.Request) {
	id := uuid.NewString()
	h.expect(id, req.Method)
	h.started = time.Now()
	logger := h.logger.With("correlation_id", id)

	req, resp := h.engine.delegate.OnRequest(req, id)
	if resp != nil {
		logger.Debug("request answered by delegate", "method", req.Method, "uri", req.URI, "status", resp.Status)
		h.writeLocal(ch, *resp)
		h.engine.observeExchange(h.method, metrics.OutcomeShortCircuit, h.started)
		return
	}

	ch.Pause()
	h.awaiting = true
	if partner, ok := h.partner(); ok && partner.role == roleClient {
		logger.Debug("reusing upstream connection", "method", req.Method, "uri", req.URI)
		contentEncoding := req.Header.Get("Content-Encoding")
		method := req.Method
		partner.exec(func(out *channel.Channel) {
			if err := upstream.EnsureRequestCompressor(out, contentEncoding); err != nil {
				partner.logger.Error("install request compressor", "error", err)
			}
			partner.expect(id, method)
		})
		forward(partner, codec.RequestHeadPart{Head: req.RequestHead}, req.Body)
		return
	}

	logger.Debug("connecting upstream", "method", req.Method, "uri", req.URI, "target", h.engine.target.String())
	h.engine.connector.Connect(h.engine.ctx, h.engine.target, req, ch.Loop(), func(out *channel.Channel, err error) {
		h.connected(ch, out, err, req, id)
	})
}

// connected finishes relay setup once the upstream dial completes. It runs
// on the inbound loop.
func (h *ServerHandler) connected(ch, out *channel.Channel, err error, req model.Request, id string) {
	logger := h.logger.With("correlation_id", id)
	if err != nil {
		logger.Error("upstream connect failed", "target", h.engine.target.String(), "error", err)
		h.engine.observeExchange(h.method, metrics.OutcomeDialFailed, h.started)
		ch.Close()
		return
	}
	if h.channel() == nil || ch.Closing() {
		logger.Debug("inbound closed during connect, dropping upstream connection")
		out.Close()
		return
	}

	client := newClientHandler(h.engine, out)
	client.expect(id, req.Method)
	h.partnerID.Store(client.id)
	client.partnerID.Store(h.id)
	h.engine.pairingOpened()
	logger.Debug("paired with upstream", "upstream_conn", client.id)

	out.Loop().Execute(func() {
		out.Pipeline().SetHandler(ClientHandlerName, client)
		out.Start()
	})
	forward(client, codec.RequestHeadPart{Head: req.RequestHead}, req.Body)
}

// writeLocal answers the client without contacting upstream.
func (h *ServerHandler) writeLocal(ch *channel.Channel, resp model.Response) {
	parts := []codec.Part{codec.ResponseHeadPart{Head: resp.ResponseHead}}
	if len(resp.Body) > 0 {
		parts = append(parts, codec.BodyPart{Data: resp.Body})
	}
	parts = append(parts, codec.EndPart{})
	for _, p := range parts {
		if err := ch.Write(p); err != nil {
			h.ErrorCaught(ch, err)
			return
		}
	}
	ch.Flush()
}

// responseWritten resumes reading once a relayed response is complete.
func (h *ServerHandler) responseWritten(ch *channel.Channel, p codec.Part) {
	if _, ok := p.(codec.EndPart); !ok || !h.awaiting {
		return
	}
	h.awaiting = false
	h.engine.observeExchange(h.method, metrics.OutcomeProxied, h.started)
	h.drain(ch)
}

func (h *ServerHandler) ErrorCaught(ch *channel.Channel, err error) {
	if h.awaiting {
		h.awaiting = false
		h.engine.observeExchange(h.method, metrics.OutcomeError, h.started)
	}
	h.session.ErrorCaught(ch, err)
}

func (h *ServerHandler) HandlerRemoved(ch *channel.Channel) {
	h.corrID = ""
	h.queued = nil
	h.session.HandlerRemoved(ch)
}
