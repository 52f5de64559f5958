package bridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/logx"
)

// Lookup resolves a kernel identifier to its connection descriptor.
type Lookup func(ctx context.Context, kernelID string) (kernel.ConnInfo, error)

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithOriginPatterns sets the browser origins allowed to open sessions.
func WithOriginPatterns(p []string) HandlerOption {
	return func(h *Handler) { h.origins = p }
}

// WithDrainCheck refuses new sessions while draining reports true.
func WithDrainCheck(draining func() bool) HandlerOption {
	return func(h *Handler) { h.draining = draining }
}

// WithSessionOptions appends options applied to every session.
func WithSessionOptions(opts ...Option) HandlerOption {
	return func(h *Handler) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// Handler upgrades /api/kernels/{kernelID}/channels requests to WebSocket
// sessions.
type Handler struct {
	lookup      Lookup
	open        Opener
	registry    *Registry
	origins     []string
	draining    func() bool
	sessionOpts []Option
}

// NewHandler returns a Handler serving sessions on reg.
func NewHandler(lookup Lookup, open Opener, reg *Registry, opts ...HandlerOption) *Handler {
	h := &Handler{lookup: lookup, open: open, registry: reg}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining != nil && h.draining() {
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}
	kernelID := chi.URLParam(r, "kernelID")
	info, err := h.lookup(r.Context(), kernelID)
	if err != nil {
		if errors.Is(err, kernelstore.ErrNotFound) {
			http.Error(w, "unknown kernel", http.StatusNotFound)
			return
		}
		logx.Log.Error().Err(err).Str("kernel_id", kernelID).Msg("kernel lookup")
		http.Error(w, "kernel lookup failed", http.StatusInternalServerError)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		logx.Log.Warn().Err(err).Str("kernel_id", kernelID).Msg("websocket accept")
		return
	}
	opts := append([]Option{
		WithKernelID(kernelID),
		WithRegistry(h.registry),
		WithLogger(logx.Log.With().Str("request_id", chiMiddleware.GetReqID(r.Context())).Logger()),
	}, h.sessionOpts...)
	sess := NewSession(WebSocketConn(c), info, h.open, opts...)
	_ = sess.Run(r.Context())
}
