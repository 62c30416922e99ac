package chain

import (
	"context"
	"net/http"
)

// DefaultMaxChainLength is the number of send attempts a chain may make when
// the policy does not choose its own limit.
const DefaultMaxChainLength = 7

// Outcome is the result of a single send attempt as returned by the wrapped
// transport. Exactly one of Response and Err is set.
type Outcome struct {
	Response *http.Response
	Err      error
	// Attempt is the 1-based number of the send that produced this outcome.
	Attempt int
}

// Chainer decides which request outcomes lead to another request and how the
// request is rewritten to form it.
//
// S is the per-chain state. The engine creates a zero S at the start of every
// chain and passes the same pointer to each Chain call of that chain. Global
// state that spans chains belongs on the Chainer itself and must be safe for
// concurrent use, since one Chainer serves every chain the engine runs.
type Chainer[S any] interface {
	// Chain inspects the outcome of the previous send.
	//
	//   - To send another request, update req in place and return (nil, nil).
	//     The engine resends exactly req.
	//   - To finish with a response, return it with a nil error. It does not
	//     have to be outcome.Response.
	//   - To finish with a failure, return a non-nil error. The engine returns
	//     it unchanged.
	//
	// The engine closes the body of every attempt response it does not
	// return. A policy that wants to hand back an earlier response must
	// buffer its body first.
	Chain(ctx context.Context, outcome Outcome, state *S, req *http.Request) (*http.Response, error)

	// MaxChainLength bounds the number of send attempts in one chain.
	MaxChainLength() int
}

// DefaultLimit provides MaxChainLength for policies that embed it.
type DefaultLimit struct{}

// MaxChainLength returns DefaultMaxChainLength.
func (DefaultLimit) MaxChainLength() int { return DefaultMaxChainLength }

// Func adapts an ordinary function into a Chainer with the default limit.
type Func[S any] func(ctx context.Context, outcome Outcome, state *S, req *http.Request) (*http.Response, error)

// Chain calls f.
func (f Func[S]) Chain(ctx context.Context, outcome Outcome, state *S, req *http.Request) (*http.Response, error) {
	return f(ctx, outcome, state, req)
}

// MaxChainLength returns DefaultMaxChainLength.
func (Func[S]) MaxChainLength() int { return DefaultMaxChainLength }

// WithMaxChainLength returns a Chainer that delegates decisions to policy but
// reports limit as its maximum chain length.
func WithMaxChainLength[S any](policy Chainer[S], limit int) Chainer[S] {
	return limited[S]{Chainer: policy, limit: limit}
}

type limited[S any] struct {
	Chainer[S]
	limit int
}

func (l limited[S]) MaxChainLength() int { return l.limit }
