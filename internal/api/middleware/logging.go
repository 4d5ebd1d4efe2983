package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/metrics"
)

// RequestLogger logs one structured line per HTTP request via zerolog,
// the way the engine's other components log through internal/logger
// instead of the standard library's log package, and records the
// request's duration and status into the engine's HTTP metrics.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := strconv.Itoa(ww.Status())
			metrics.RecordHTTPRequest(r.Method, routePattern(r), status, duration.Seconds())

			logger.Get().Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", duration).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// routePattern reports the chi route pattern matched for r (e.g.
// "/api/v1/executions/{executionID}") rather than the literal path, so metrics don't
// grow an unbounded label cardinality per execution ID.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
