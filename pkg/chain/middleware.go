package chain

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Option configures a Middleware.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the logger used for attempt and chain diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers an observer for attempt and chain events. Calling it
// more than once fans events out to every observer.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer == nil {
			return
		}
		if _, ok := o.observer.(nopObserver); ok {
			o.observer = observer
			return
		}
		o.observer = Observers(o.observer, observer)
	}
}

// Middleware runs request chains for one policy. It holds no per-chain state
// and is safe for concurrent use by many requests.
type Middleware[S any] struct {
	policy   Chainer[S]
	logger   *slog.Logger
	observer Observer
}

// New creates the chain execution engine for policy.
func New[S any](policy Chainer[S], opts ...Option) *Middleware[S] {
	o := options{
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Middleware[S]{
		policy:   policy,
		logger:   o.logger,
		observer: o.observer,
	}
}

// Wrap returns a RoundTripper that runs every request through a chain whose
// attempts are sent via next.
func (m *Middleware[S]) Wrap(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper[S]{middleware: m, next: next}
}

type roundTripper[S any] struct {
	middleware *Middleware[S]
	next       http.RoundTripper
}

func (rt *roundTripper[S]) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.middleware.Handle(req, rt.next)
}

// Handle runs one chain for req, sending each attempt through next, and
// returns the policy's terminal response or error. If the policy has not
// decided after MaxChainLength attempts, Handle returns a
// *ChainLengthExceededError.
//
// The chain works on a clone of req, so the caller's request is never
// mutated. The clone is the value the policy rewrites and the engine resends.
func (m *Middleware[S]) Handle(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	ctx := req.Context()
	limit := m.policy.MaxChainLength()
	chainID := uuid.NewString()
	logger := m.logger.With(
		slog.String("chain_id", chainID),
		slog.String("method", req.Method),
		slog.String("host", req.URL.Host),
	)

	var state S
	req = req.Clone(ctx)
	started := time.Now()
	attempts := 0
	var rewindErr error

	finish := func(result Result, resp *http.Response, err error) (*http.Response, error) {
		summary := Summary{
			ChainID:  chainID,
			Attempts: attempts,
			Limit:    limit,
			Result:   result,
			Err:      err,
			Duration: time.Since(started),
		}
		if resp != nil {
			summary.StatusCode = resp.StatusCode
		}
		m.observer.ChainFinished(ctx, summary)
		return resp, err
	}

	for {
		if attempts >= limit {
			err := &ChainLengthExceededError{Limit: limit, Attempts: attempts}
			logger.WarnContext(ctx, "Chain length exceeded", "attempts", attempts, "limit", limit)
			return finish(ResultLimitExceeded, nil, err)
		}

		if attempts > 0 {
			if err := ctx.Err(); err != nil {
				logger.DebugContext(ctx, "Chain canceled between attempts", "attempts", attempts, "error", err)
				return finish(ResultCanceled, nil, err)
			}
		}

		sentBody := req.Body
		sendStart := time.Now()
		var resp *http.Response
		var err error
		if rewindErr != nil {
			// The body could not be replayed; the policy sees it as a failed send.
			err, rewindErr = rewindErr, nil
		} else {
			resp, err = next.RoundTrip(req)
		}
		attempts++

		attempt := Attempt{
			ChainID:  chainID,
			Number:   attempts,
			Method:   req.Method,
			Host:     req.URL.Host,
			Err:      err,
			Duration: time.Since(sendStart),
		}
		if resp != nil {
			attempt.StatusCode = resp.StatusCode
		}
		m.observer.AttemptFinished(ctx, attempt)
		logger.DebugContext(ctx, "Chain attempt finished",
			"attempt", attempts,
			"status", attempt.StatusCode,
			"error", err,
			"duration", attempt.Duration,
		)

		out, decisionErr := m.policy.Chain(ctx, Outcome{Response: resp, Err: err, Attempt: attempts}, &state, req)
		switch {
		case decisionErr != nil:
			discard(resp)
			if out != nil && out != resp {
				discard(out)
			}
			return finish(ResultError, nil, decisionErr)
		case out != nil:
			if out != resp {
				discard(resp)
			}
			return finish(ResultResponse, out, nil)
		}

		discard(resp)
		rewindErr = rewind(req, sentBody)
	}
}

// rewind restores a request body that was consumed by the previous send. A
// body the policy replaced is left alone.
func rewind(req *http.Request, sent io.ReadCloser) error {
	if req.Body == nil || req.Body == http.NoBody || req.Body != sent || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// discard drains a bounded amount of the body so the connection can be
// reused, then closes it.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	_ = resp.Body.Close()
}
