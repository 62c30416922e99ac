package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-chain/pkg/chain"
)

// RecordAttemptEvent adds a chain.attempt event to the span in ctx.
func RecordAttemptEvent(ctx context.Context, attempt chain.Attempt) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("chain.id", attempt.ChainID),
		attribute.Int("chain.attempt", attempt.Number),
		attribute.Int64("chain.attempt.duration_ms", attempt.Duration.Milliseconds()),
	}
	if attempt.Err != nil {
		attrs = append(attrs, attribute.String("chain.attempt.error", attempt.Err.Error()))
	} else {
		attrs = append(attrs, attribute.Int("http.response.status_code", attempt.StatusCode))
	}

	span.AddEvent("chain.attempt", trace.WithAttributes(attrs...))
}

// RecordChainResult annotates the span in ctx with how the chain ended.
func RecordChainResult(ctx context.Context, summary chain.Summary) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("chain.id", summary.ChainID),
		attribute.Int("chain.length", summary.Attempts),
		attribute.String("chain.result", string(summary.Result)),
	)

	attrs := []attribute.KeyValue{
		attribute.Int("chain.attempts", summary.Attempts),
		attribute.Int("chain.limit", summary.Limit),
		attribute.String("chain.result", string(summary.Result)),
	}
	if summary.StatusCode > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", summary.StatusCode))
	}
	span.AddEvent("chain.finished", trace.WithAttributes(attrs...))

	if summary.Result == chain.ResultLimitExceeded {
		span.SetStatus(codes.Error, "maximum chain length exceeded")
	}
}
