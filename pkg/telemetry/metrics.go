package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-chain/pkg/chain"
)

const meterName = "github.com/polisai/polis-chain/chain"

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	attemptCounter      metric.Int64Counter
	chainCounter        metric.Int64Counter
	limitCounter        metric.Int64Counter
	attemptLatency      metric.Float64Histogram
	chainLengthRecorder metric.Int64Histogram
)

// Observer records chain events as OpenTelemetry metrics and span events.
type Observer struct{}

// NewObserver returns an observer bound to the global meter provider. The
// instruments are created on first use, so the meter provider must be
// installed before the first chain finishes.
func NewObserver() *Observer {
	return &Observer{}
}

// AttemptFinished implements chain.Observer.
func (o *Observer) AttemptFinished(ctx context.Context, attempt chain.Attempt) {
	RecordAttemptEvent(ctx, attempt)

	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", attempt.Method),
		attribute.String("server.address", attempt.Host),
		attribute.String("chain.status_class", attempt.StatusClass()),
	)
	attemptCounter.Add(ctx, 1, attrs)
	if attempt.Duration > 0 {
		attemptLatency.Record(ctx, float64(attempt.Duration)/float64(time.Millisecond), attrs)
	}
}

// ChainFinished implements chain.Observer.
func (o *Observer) ChainFinished(ctx context.Context, summary chain.Summary) {
	RecordChainResult(ctx, summary)

	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("chain.result", string(summary.Result)))
	chainCounter.Add(ctx, 1, attrs)
	chainLengthRecorder.Record(ctx, int64(summary.Attempts), attrs)
	if summary.Result == chain.ResultLimitExceeded {
		limitCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("chain.limit", summary.Limit)))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		attemptCounter, metricsInitErr = meter.Int64Counter(
			"chain.attempts_total",
			metric.WithDescription("Requests sent by chain engines partitioned by status class"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		chainCounter, metricsInitErr = meter.Int64Counter(
			"chain.chains_total",
			metric.WithDescription("Finished chains partitioned by result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		limitCounter, metricsInitErr = meter.Int64Counter(
			"chain.limit_exceeded_total",
			metric.WithDescription("Chains ended by the maximum chain length"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		attemptLatency, metricsInitErr = meter.Float64Histogram(
			"chain.attempt.duration_ms",
			metric.WithDescription("Observed latency of a single send"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		chainLengthRecorder, metricsInitErr = meter.Int64Histogram(
			"chain.length",
			metric.WithDescription("Sends per finished chain"),
			metric.WithUnit("{attempt}"),
		)
	})

	return metricsInitErr
}
