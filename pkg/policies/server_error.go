package policies

import (
	"context"
	"net/http"

	"github.com/polisai/polis-chain/pkg/chain"
)

// ServerErrorRetry resends a request while the server answers with a 5xx
// status, up to Retries sends in total. Transport errors end the chain.
type ServerErrorRetry struct {
	chain.DefaultLimit
	Retries int
}

// Chain implements chain.Chainer. The state counts sends made so far.
func (p ServerErrorRetry) Chain(_ context.Context, outcome chain.Outcome, sends *int, _ *http.Request) (*http.Response, error) {
	*sends++
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if isServerError(outcome.Response.StatusCode) && *sends < p.Retries {
		return nil, nil
	}
	return outcome.Response, nil
}

func isServerError(status int) bool {
	return status >= 500 && status < 600
}
