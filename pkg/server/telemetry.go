package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the name of this instrumentation package
const instrumentationName = "github.com/profitelligence/mcp-server/pkg/server"

// telemetryMiddleware instruments each request with a server span and
// request count/duration metrics. Deployments that configure no SDK get
// the no-op global providers, so the middleware is free when unused.
func telemetryMiddleware(serviceName string, tp trace.TracerProvider, mp metric.MeterProvider) func(http.Handler) http.Handler {
	tracer := tp.Tracer(instrumentationName)
	meter := mp.Meter(instrumentationName)

	requestCounter, _ := meter.Int64Counter(
		"profitelligence_mcp_requests", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of HTTP requests"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"profitelligence_mcp_request_duration", // The exporter adds the _seconds suffix automatically
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(),
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("service.name", serviceName),
				),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			elapsed := time.Since(start)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			attrs := metric.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.Int("http.response.status_code", status),
			)
			requestCounter.Add(ctx, 1, attrs)
			requestDuration.Record(ctx, elapsed.Seconds(), attrs)
		})
	}
}
