package policies

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-chain/pkg/chain"
)

// DefaultRegoQuery is the decision path evaluated when none is configured.
const DefaultRegoQuery = "data.chain.decision"

// ErrPolicyDenied matches errors produced by a "fail" decision.
var ErrPolicyDenied = errors.New("chain policy denied request")

// DecisionError carries the reason a policy ended the chain with "fail".
type DecisionError struct {
	Reason string
}

func (e *DecisionError) Error() string {
	if e.Reason == "" {
		return ErrPolicyDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPolicyDenied, e.Reason)
}

func (e *DecisionError) Is(target error) bool {
	return target == ErrPolicyDenied
}

// Decision actions understood by Rego.
const (
	ActionContinue = "continue"
	ActionReturn   = "return"
	ActionFail     = "fail"
)

// RegoOptions control Rego policy construction.
type RegoOptions struct {
	// Module is the Rego source. It must use Rego v1 syntax.
	Module string
	// ModuleName names the module in compile errors.
	ModuleName string
	// Query is the decision path. Empty selects DefaultRegoQuery.
	Query string
	// MaxChainLength overrides the safety valve. Zero selects the default.
	MaxChainLength int
}

// RegoState is the per-chain bookkeeping of a Rego policy.
type RegoState struct {
	Statuses []int
}

// Rego delegates chain decisions to an OPA module. The module receives
//
//	{"attempt", "method", "url", "status", "headers", "error", "history"}
//
// and its decision object carries "action" ("continue", "return" or "fail"),
// an optional "reason", and optional "set_headers" applied to the request
// before it is resent. An undefined decision means "return".
type Rego struct {
	query       rego.PreparedEvalQuery
	limit       int
	evaluations atomic.Int64
}

// NewRego compiles the module and prepares the decision query.
func NewRego(ctx context.Context, opts RegoOptions) (*Rego, error) {
	if strings.TrimSpace(opts.Module) == "" {
		return nil, errors.New("rego policy requires a module")
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = DefaultRegoQuery
	}
	name := opts.ModuleName
	if name == "" {
		name = "chain.rego"
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name, opts.Module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module %q: %w", name, err)
	}

	limit := opts.MaxChainLength
	if limit <= 0 {
		limit = chain.DefaultMaxChainLength
	}
	return &Rego{query: prepared, limit: limit}, nil
}

// MaxChainLength implements chain.Chainer.
func (p *Rego) MaxChainLength() int { return p.limit }

// Evaluations returns how many decisions the module has made.
func (p *Rego) Evaluations() int64 { return p.evaluations.Load() }

// Chain implements chain.Chainer.
func (p *Rego) Chain(ctx context.Context, outcome chain.Outcome, state *RegoState, req *http.Request) (*http.Response, error) {
	input := map[string]any{
		"attempt": outcome.Attempt,
		"method":  req.Method,
		"url":     req.URL.String(),
		"status":  0,
		"headers": map[string]any{},
		"error":   "",
	}
	if outcome.Err != nil {
		input["error"] = outcome.Err.Error()
	} else {
		input["status"] = outcome.Response.StatusCode
		input["headers"] = flattenHeaders(outcome.Response.Header)
		state.Statuses = append(state.Statuses, outcome.Response.StatusCode)
	}
	history := make([]any, len(state.Statuses))
	for i, s := range state.Statuses {
		history[i] = s
	}
	input["history"] = history

	p.evaluations.Add(1)
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("opa decision: %w", err)
	}

	decision := map[string]any{}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		value, ok := results[0].Expressions[0].Value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
		}
		decision = value
	}

	action, _ := decision["action"].(string)
	reason, _ := decision["reason"].(string)

	switch strings.ToLower(action) {
	case ActionContinue:
		if headers, ok := decision["set_headers"].(map[string]any); ok {
			for name, value := range headers {
				req.Header.Set(name, fmt.Sprint(value))
			}
		}
		return nil, nil
	case ActionFail:
		return nil, &DecisionError{Reason: reason}
	case ActionReturn, "":
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Response, nil
	default:
		return nil, fmt.Errorf("opa decision: unknown action %q", action)
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}
