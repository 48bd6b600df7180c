package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/dump"
	"intercept-proxy-go/internal/proxy"
)

// StatusSource reports the live proxy state.
type StatusSource interface {
	Status() proxy.Status
}

// PendingSource lists requests still awaiting a response.
type PendingSource interface {
	Pending() []dump.Pending
}

// ProxyHandler exposes the running proxy on the admin server.
type ProxyHandler struct {
	status  StatusSource
	pending PendingSource
	version Version
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(status StatusSource, pending PendingSource, v Version) *ProxyHandler {
	return &ProxyHandler{status: status, pending: pending, version: v}
}

type statusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Proxy   proxy.Status `json:"proxy"`
}

// Status returns listener, loop and session counters.
func (h *ProxyHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Proxy:   h.status.Status(),
	})
}

type pendingResponse struct {
	Count    int            `json:"count"`
	Requests []dump.Pending `json:"requests"`
}

// Pending lists intercepted requests that have not been answered yet.
func (h *ProxyHandler) Pending(c echo.Context) error {
	list := h.pending.Pending()
	return c.JSON(http.StatusOK, pendingResponse{Count: len(list), Requests: list})
}
