package pipeline

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RequestIDHeader is the header stamped by RequestID when none is given.
const RequestIDHeader = "X-Request-ID"

// RoundTripperFunc adapts an ordinary function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(req).
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps a RoundTripper with additional behavior.
type Middleware func(http.RoundTripper) http.RoundTripper

// Chain composes middleware around base. Middleware are applied in the order
// given: Chain(base, a, b) sends requests through a, then b, then base.
func Chain(base http.RoundTripper, middlewares ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		base = middlewares[i](base)
	}
	return base
}

// Builder collects middleware and produces an http.Client.
type Builder struct {
	client      *http.Client
	middlewares []Middleware
	tracing     bool
	otelOpts    []otelhttp.Option
}

// NewBuilder starts a builder from client. A nil client means
// http.DefaultClient.
func NewBuilder(client *http.Client) *Builder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Builder{client: client}
}

// With appends middleware. The first middleware added is the outermost.
func (b *Builder) With(mw Middleware) *Builder {
	b.middlewares = append(b.middlewares, mw)
	return b
}

// WithTracing instruments the base transport with otelhttp so every send,
// including each attempt of a chain, is recorded as a client span.
func (b *Builder) WithTracing(opts ...otelhttp.Option) *Builder {
	b.tracing = true
	b.otelOpts = append(b.otelOpts, opts...)
	return b
}

// Build returns a new client that shares the original client's timeout,
// cookie jar, and redirect policy but sends through the middleware stack.
func (b *Builder) Build() *http.Client {
	base := b.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if b.tracing {
		base = otelhttp.NewTransport(base, b.otelOpts...)
	}

	middlewares := make([]Middleware, len(b.middlewares))
	copy(middlewares, b.middlewares)

	return &http.Client{
		Transport:     Chain(base, middlewares...),
		CheckRedirect: b.client.CheckRedirect,
		Jar:           b.client.Jar,
		Timeout:       b.client.Timeout,
	}
}

// RequestID stamps a UUID into header on requests that do not carry one. An
// empty header selects RequestIDHeader.
func RequestID(header string) Middleware {
	if header == "" {
		header = RequestIDHeader
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get(header) != "" {
				return next.RoundTrip(req)
			}
			clone := req.Clone(req.Context())
			clone.Header.Set(header, uuid.NewString())
			return next.RoundTrip(clone)
		})
	}
}
