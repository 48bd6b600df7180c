package relay

import (
	"strconv"

	"intercept-proxy-go/internal/channel"
	"intercept-proxy-go/internal/codec"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/model"
)

// ClientHandlerName is the pipeline name of the upstream relay handler.
const ClientHandlerName = "relay-client"

// ClientHandler owns the upstream connection. It assembles responses,
// hands them to the delegate and relays them to its inbound partner.
type ClientHandler struct {
	session
	engine *Engine
	msg    accumulator
}

// newClientHandler binds a handler to out, which has not been started yet.
func newClientHandler(e *Engine, out *channel.Channel) *ClientHandler {
	h := &ClientHandler{
		session: newSession(roleClient, e.registry, e.logger),
		engine:  e,
	}
	h.onRemoved = e.pairingClosed
	h.bind(out)
	return h
}

func (h *ClientHandler) Active(*channel.Channel) {}

func (h *ClientHandler) Read(_ *channel.Channel, p codec.Part) {
	ph, err := h.msg.add(p)
	if err != nil {
		h.logger.Error("malformed response", "correlation_id", h.corrID, "error", err)
		if partner, ok := h.partner(); ok {
			partner.PartnerWrite(codec.EndPart{})
		}
		return
	}
	if ph != complete {
		return
	}
	head, body := h.msg.take()
	resp := model.Response{ResponseHead: head.(codec.ResponseHeadPart).Head, Body: body}

	if m := h.engine.metrics; m != nil {
		m.UpstreamResponses.WithLabelValues(metrics.NormalizeMethod(h.method), strconv.Itoa(resp.Status)).Inc()
	}
	resp = h.engine.delegate.OnResponse(resp, h.corrID)

	partner, ok := h.partner()
	if !ok {
		h.logger.Warn("upstream response without inbound partner", "correlation_id", h.corrID, "status", resp.Status)
		return
	}
	forward(partner, codec.ResponseHeadPart{Head: resp.ResponseHead}, resp.Body)
}
