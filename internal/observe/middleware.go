package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the mux pattern the request matched, so spans and
// metric labels stay low-cardinality: every carrier webhook retry and every
// per-call path collapses onto its registered route. Requests served outside
// a pattern-matching mux are grouped under "unmatched".
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

// Middleware instruments the REST surface (carrier webhook, admin call
// commands, stats). Per request it:
//
//   - extracts W3C trace context from the incoming headers, so a carrier
//     webhook retry or an admin client can carry its own trace through;
//   - opens a server span named after the matched route, tagged with the
//     call_control_id path segment when the route has one;
//   - stamps X-Correlation-ID from the trace ID, matching the correlation
//     IDs on event bus messages;
//   - records [Metrics.HTTPRequestDuration] labelled by route, not raw path.
//
// The media and event-observer WebSocket routes must not be wrapped: the
// recorder does not implement [http.Hijacker].
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanAttrs := []trace.SpanStartOption{
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			}
			if id := r.PathValue("call_control_id"); id != "" {
				spanAttrs = append(spanAttrs, trace.WithAttributes(AttrCallControlID(id)))
			}
			ctx, span := StartSpan(ctx, "HTTP "+route, spanAttrs...)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					Attr("method", r.Method),
					Attr("route", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
