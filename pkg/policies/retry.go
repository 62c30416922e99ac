package policies

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-chain/internal/governance"
	"github.com/polisai/polis-chain/pkg/chain"
)

// IdempotencyKeyHeader marks a non-idempotent request as safe to resend.
const IdempotencyKeyHeader = "Idempotency-Key"

// RetryConfig defines retry behavior for upstream requests.
type RetryConfig struct {
	// MaxRetries is the maximum number of resends after the first attempt.
	MaxRetries int
	// Backoff schedules the wait between attempts.
	Backoff governance.BackoffConfig
	// RetryableStatusCodes defines which HTTP status codes trigger retries.
	RetryableStatusCodes map[int]bool
	// IdempotentOnly restricts retries to idempotent methods and requests
	// carrying an Idempotency-Key header.
	IdempotentOnly bool
	// RespectRetryAfter stretches the backoff to the server's Retry-After hint,
	// still capped by Backoff.Max.
	RespectRetryAfter bool
	// MaxChainLength overrides the engine's safety valve. Zero selects
	// chain.DefaultMaxChainLength. It also caps MaxRetries at
	// MaxChainLength-1.
	MaxChainLength int
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:           3,
		Backoff:              governance.DefaultBackoffConfig(),
		RetryableStatusCodes: governance.DefaultRetryableStatusCodes(),
		IdempotentOnly:       true,
		RespectRetryAfter:    true,
	}
}

// Validate reports configuration errors.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.MaxChainLength < 0 {
		return fmt.Errorf("max chain length must not be negative")
	}
	if c.Backoff.Initial < 0 || c.Backoff.Max < 0 || c.Backoff.Multiplier < 0 {
		return fmt.Errorf("backoff values must not be negative")
	}
	if c.Backoff.Initial > 0 && c.Backoff.Max > 0 && c.Backoff.Initial > c.Backoff.Max {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", c.Backoff.Initial, c.Backoff.Max)
	}
	return nil
}

// RetryState is the per-chain bookkeeping of a Retry policy.
type RetryState struct {
	Retries    int
	LastStatus int
	Waited     time.Duration
}

// RetryStats counts decisions across every chain the policy has served.
type RetryStats struct {
	Retries         int64
	Exhausted       int64
	BudgetDenied    int64
	CircuitRejected int64
}

// Retry resends failed idempotent requests with exponential backoff. Its
// configuration can be replaced while chains are running.
type Retry struct {
	config   atomic.Pointer[RetryConfig]
	budget   *governance.RetryBudget
	breakers *governance.BreakerSet
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time

	retries         atomic.Int64
	exhausted       atomic.Int64
	budgetDenied    atomic.Int64
	circuitRejected atomic.Int64
}

// RetryOption configures a Retry policy.
type RetryOption func(*Retry)

// WithRetryBudget limits retries per host across all chains.
func WithRetryBudget(budget *governance.RetryBudget) RetryOption {
	return func(r *Retry) { r.budget = budget }
}

// WithBreakers stops retrying hosts whose circuit is open.
func WithBreakers(breakers *governance.BreakerSet) RetryOption {
	return func(r *Retry) { r.breakers = breakers }
}

// WithRetryLogger sets the logger for retry decisions.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *Retry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetry creates a retry policy with the given configuration.
func NewRetry(config RetryConfig, opts ...RetryOption) (*Retry, error) {
	r := &Retry{
		logger: slog.Default(),
		sleep:  governance.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Configure(config); err != nil {
		return nil, err
	}
	return r, nil
}

// Config returns a copy of the current retry configuration.
func (r *Retry) Config() RetryConfig {
	return *r.config.Load()
}

// Configure validates and atomically installs a new configuration. Chains in
// flight pick it up at their next decision.
func (r *Retry) Configure(config RetryConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	config.Backoff = config.Backoff.Normalize()
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = governance.DefaultRetryableStatusCodes()
	}

	r.config.Store(&config)
	return nil
}

// MaxChainLength implements chain.Chainer.
func (r *Retry) MaxChainLength() int {
	return r.config.Load().limit()
}

// limit is the chain length the policy plans for. Retries stop at the limit
// so the last outcome is returned instead of a chain length error.
func (c *RetryConfig) limit() int {
	if c.MaxChainLength > 0 {
		return c.MaxChainLength
	}
	return chain.DefaultMaxChainLength
}

// Stats returns the decision counters.
func (r *Retry) Stats() RetryStats {
	return RetryStats{
		Retries:         r.retries.Load(),
		Exhausted:       r.exhausted.Load(),
		BudgetDenied:    r.budgetDenied.Load(),
		CircuitRejected: r.circuitRejected.Load(),
	}
}

// Chain implements chain.Chainer.
func (r *Retry) Chain(ctx context.Context, outcome chain.Outcome, state *RetryState, req *http.Request) (*http.Response, error) {
	cfg := r.config.Load()
	host := req.URL.Host

	giveUp := func() (*http.Response, error) {
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Response, nil
	}

	if outcome.Err != nil {
		if !governance.IsRetryableError(outcome.Err) {
			return nil, outcome.Err
		}
		r.breakers.Record(host, true)
	} else {
		status := outcome.Response.StatusCode
		state.LastStatus = status
		r.breakers.Record(host, isServerError(status))
		if !cfg.RetryableStatusCodes[status] {
			return outcome.Response, nil
		}
	}

	if cfg.IdempotentOnly && !governance.IsIdempotent(req.Method) && req.Header.Get(IdempotencyKeyHeader) == "" {
		return giveUp()
	}
	if state.Retries >= cfg.MaxRetries || outcome.Attempt >= cfg.limit() {
		r.exhausted.Add(1)
		r.logger.DebugContext(ctx, "Retries exhausted", "host", host, "retries", state.Retries)
		return giveUp()
	}
	if err := r.breakers.Allow(host); err != nil {
		r.circuitRejected.Add(1)
		return nil, fmt.Errorf("%w: %s", err, host)
	}
	if !r.budget.Allow(host) {
		r.budgetDenied.Add(1)
		r.logger.DebugContext(ctx, "Retry budget exhausted", "host", host)
		return giveUp()
	}

	delay := cfg.Backoff.Delay(state.Retries)
	if cfg.RespectRetryAfter && outcome.Response != nil {
		if hint, ok := governance.ParseRetryAfter(outcome.Response.Header.Get("Retry-After"), r.now()); ok && hint > delay {
			delay = min(hint, cfg.Backoff.Max)
		}
	}

	if err := r.sleep(ctx, delay); err != nil {
		return nil, err
	}

	state.Retries++
	state.Waited += delay
	r.retries.Add(1)
	r.logger.DebugContext(ctx, "Retrying request",
		"host", host,
		"retry", state.Retries,
		"status", state.LastStatus,
		"delay", delay,
	)
	return nil, nil
}
