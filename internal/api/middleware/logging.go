// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger returns a middleware that logs HTTP requests. Health probes log at debug
// level. WebSocket upgrades log once the stream ends, so their duration is the session's
// lifetime.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			upgrade := isUpgrade(r)

			defer func() {
				level, msg, status := slog.LevelInfo, "request completed", ww.Status()
				switch {
				case upgrade:
					msg = "stream closed"
					// The upgrade response is written on the hijacked connection.
					if status == 0 {
						status = http.StatusSwitchingProtocols
					}
				case r.URL.Path == "/health":
					level = slog.LevelDebug
				}

				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				if !upgrade {
					attrs = append(attrs, "bytes", ww.BytesWritten())
				}
				logger.Log(r.Context(), level, msg, attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
