package pipeline

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/polisai/polis-chain/pipeline"

// Span wraps each request in a span named name, so that every send made
// below it, including each attempt of a chain, shares one parent. A nil
// provider selects the global tracer provider at request time.
func Span(name string, provider trace.TracerProvider) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			tp := provider
			if tp == nil {
				tp = otel.GetTracerProvider()
			}

			ctx, span := tp.Tracer(tracerName).Start(req.Context(), name,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("server.address", req.URL.Host),
				),
			)
			defer span.End()

			resp, err := next.RoundTrip(req.WithContext(ctx))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, resp.Status)
			}
			return resp, nil
		})
	}
}
