package chain

import (
	"context"
	"strconv"
	"time"
)

// Result classifies how a chain ended.
type Result string

const (
	// ResultResponse means the policy returned a response.
	ResultResponse Result = "response"
	// ResultError means the policy returned an error.
	ResultError Result = "error"
	// ResultLimitExceeded means the engine's safety valve ended the chain.
	ResultLimitExceeded Result = "limit_exceeded"
	// ResultCanceled means the request context ended between attempts.
	ResultCanceled Result = "canceled"
)

// Attempt describes one send made by the engine.
type Attempt struct {
	ChainID    string
	Number     int
	Method     string
	Host       string
	StatusCode int
	Err        error
	Duration   time.Duration
}

// StatusClass buckets the send outcome into "1xx".."5xx" or "error".
func (a Attempt) StatusClass() string {
	if a.Err != nil || a.StatusCode < 100 {
		return "error"
	}
	return strconv.Itoa(a.StatusCode/100) + "xx"
}

// Summary describes a finished chain.
type Summary struct {
	ChainID    string
	Attempts   int
	Limit      int
	Result     Result
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	AttemptFinished(ctx context.Context, attempt Attempt)
	ChainFinished(ctx context.Context, summary Summary)
}

// Observers fans events out to every non-nil observer in order.
func Observers(observers ...Observer) Observer {
	filtered := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

type multiObserver []Observer

func (m multiObserver) AttemptFinished(ctx context.Context, attempt Attempt) {
	for _, o := range m {
		o.AttemptFinished(ctx, attempt)
	}
}

func (m multiObserver) ChainFinished(ctx context.Context, summary Summary) {
	for _, o := range m {
		o.ChainFinished(ctx, summary)
	}
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(context.Context, Attempt) {}
func (nopObserver) ChainFinished(context.Context, Summary)   {}
