package tracing

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps an http.Handler so each request runs inside a SERVER
// span carrying method, route, and status attributes. A nil tracer returns
// a pass-through with no tracing overhead.
func Middleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	if tracer == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), SpanPrefixHTTP+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			// The mux fills in the matched pattern during routing, so the
			// final name is only known after the handler ran.
			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			span.SetName(SpanPrefixHTTP + route)
			span.SetAttributes(
				attribute.String(AttrHTTPMethod, r.Method),
				attribute.String(AttrHTTPRoute, route),
				attribute.Int(AttrHTTPStatus, rec.status),
			)

			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, strconv.Itoa(rec.status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// statusRecorder captures the response code for the span. Flush passes
// through so streaming handlers keep working behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
