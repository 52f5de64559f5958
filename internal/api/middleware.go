package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/kbridge/internal/logx"
)

// MiddlewareChain returns the middleware applied to every route.
func MiddlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger,
	}
}

// requestLogger logs one line per request once it completes. For bridge
// channels that is when the session ends, so the line carries its lifetime.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = logx.Log.Warn()
		case status == http.StatusSwitchingProtocols:
			ev = logx.Log.Info().Bool("websocket", true)
		default:
			ev = logx.Log.Debug()
		}
		if id := chi.URLParam(r, "kernelID"); id != "" {
			ev = ev.Str("kernel_id", id)
		}
		ev.Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http")
	})
}

// APIKeyMiddleware requires apiKey as a bearer token. Browsers cannot set
// headers on WebSocket handshakes, so upgrade requests may pass it as the
// token query parameter instead. An empty key disables the check.
func APIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && !validKey(r, apiKey) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(r *http.Request, apiKey string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		got, ok = r.URL.Query().Get("token"), true
	}
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) == 1
}
