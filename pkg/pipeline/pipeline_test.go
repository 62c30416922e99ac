package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-chain/pkg/chain"
)

func recordOrder(order *[]string, name string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			*order = append(*order, name)
			return next.RoundTrip(req)
		})
	}
}

func TestChain_OrderIsOutermostFirst(t *testing.T) {
	var order []string
	base := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})

	rt := Chain(base, recordOrder(&order, "a"), nil, recordOrder(&order, "b"))
	req := httptest.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "base"}, order)
}

func TestBuilder_RetriesThroughChainMiddleware(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	policy := chain.Func[struct{}](func(_ context.Context, outcome chain.Outcome, _ *struct{}, _ *http.Request) (*http.Response, error) {
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if outcome.Response.StatusCode == http.StatusServiceUnavailable {
			return nil, nil
		}
		return outcome.Response, nil
	})

	client := NewBuilder(&http.Client{}).
		With(RequestID("")).
		With(chain.New[struct{}](policy).Wrap).
		Build()

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestBuilder_WithTracingRecordsEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	policy := chain.WithMaxChainLength[struct{}](chain.Func[struct{}](func(context.Context, chain.Outcome, *struct{}, *http.Request) (*http.Response, error) {
		return nil, nil
	}), 2)

	client := NewBuilder(nil).
		WithTracing(otelhttp.WithTracerProvider(tp)).
		With(chain.New(policy).Wrap).
		Build()

	_, err := client.Get(server.URL)
	require.ErrorIs(t, err, chain.ErrChainLengthExceeded)
	assert.Equal(t, int32(2), hits.Load())
	assert.Len(t, recorder.Ended(), 2)
}

func TestRequestID_PreservesExistingHeader(t *testing.T) {
	var seen []string
	base := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		seen = append(seen, req.Header.Get(RequestIDHeader))
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})
	rt := Chain(base, RequestID(""))

	withID := httptest.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	withID.Header.Set(RequestIDHeader, "caller-id")
	_, err := rt.RoundTrip(withID)
	require.NoError(t, err)

	withoutID := httptest.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	_, err = rt.RoundTrip(withoutID)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "caller-id", seen[0])
	assert.Len(t, seen[1], 36)
	assert.Equal(t, 4, strings.Count(seen[1], "-"))
	assert.Empty(t, withoutID.Header.Get(RequestIDHeader), "caller request is not mutated")
}

func TestSpan_ParentsEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	policy := chain.Func[struct{}](func(_ context.Context, outcome chain.Outcome, _ *struct{}, _ *http.Request) (*http.Response, error) {
		if outcome.Err == nil && outcome.Response.StatusCode == http.StatusBadGateway {
			return nil, nil
		}
		return outcome.Response, outcome.Err
	})

	client := NewBuilder(nil).
		With(Span("chain.request", tp)).
		With(chain.New[struct{}](policy).Wrap).
		WithTracing(otelhttp.WithTracerProvider(tp)).
		Build()

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	var parent sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == "chain.request" {
			parent = s
		}
	}
	require.NotNil(t, parent)
	for _, s := range spans {
		if s == parent {
			continue
		}
		assert.Equal(t, parent.SpanContext().SpanID(), s.Parent().SpanID())
		assert.Equal(t, parent.SpanContext().TraceID(), s.SpanContext().TraceID())
	}
}
