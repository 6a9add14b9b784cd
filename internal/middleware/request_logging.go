package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// RequestLogging logs one line per request with status, size and latency.
// Health and metrics probes are logged at debug level.
func RequestLogging(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			keyvals := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			switch {
			case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
				logger.Debug("HTTP request", keyvals...)
			case ww.Status() >= http.StatusInternalServerError:
				logger.Error("HTTP request", keyvals...)
			default:
				logger.Info("HTTP request", keyvals...)
			}
		})
	}
}
