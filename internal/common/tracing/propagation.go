package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// InjectHeader writes the trace context of ctx into h.
func InjectHeader(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// InjectHTTP writes the trace context of r's context into its headers, so a
// remote agent can join the call's trace. Usable as a request middleware.
func InjectHTTP(r *http.Request) {
	InjectHeader(r.Context(), r.Header)
}

// ExtractHTTP returns ctx carrying the trace context found in h, if any.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(h))
}
