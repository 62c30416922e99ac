package policies

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/polisai/polis-chain/pkg/chain"
)

// ExprState is the per-chain bookkeeping of an Expr policy.
type ExprState struct {
	Continued int
}

// Expr continues a chain while a CEL expression holds. The expression sees
//
//	status   int                 response status, 0 on transport error
//	attempt  int                 1-based send number
//	method   string              request method
//	error    string              transport error text, "" on response
//	headers  map(string, string) response headers, lower-cased names
//
// and must evaluate to a bool.
type Expr struct {
	source  string
	program cel.Program
	limit   int
}

// NewExpr compiles expression. A maxChainLength of zero selects the default.
func NewExpr(expression string, maxChainLength int) (*Expr, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("expr policy requires an expression")
	}

	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("method", cel.StringType),
		cel.Variable("error", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile CEL expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create CEL program: %w", err)
	}

	if maxChainLength <= 0 {
		maxChainLength = chain.DefaultMaxChainLength
	}
	return &Expr{source: expression, program: program, limit: maxChainLength}, nil
}

// String returns the expression source.
func (p *Expr) String() string { return p.source }

// MaxChainLength implements chain.Chainer.
func (p *Expr) MaxChainLength() int { return p.limit }

// Chain implements chain.Chainer.
func (p *Expr) Chain(ctx context.Context, outcome chain.Outcome, state *ExprState, req *http.Request) (*http.Response, error) {
	vars := map[string]any{
		"status":  int64(0),
		"attempt": int64(outcome.Attempt),
		"method":  req.Method,
		"error":   "",
		"headers": map[string]string{},
	}
	if outcome.Err != nil {
		vars["error"] = outcome.Err.Error()
	} else {
		vars["status"] = int64(outcome.Response.StatusCode)
		headers := make(map[string]string, len(outcome.Response.Header))
		for name, values := range outcome.Response.Header {
			if len(values) > 0 {
				headers[strings.ToLower(name)] = values[0]
			}
		}
		vars["headers"] = headers
	}

	out, _, err := p.program.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate CEL expression: %w", err)
	}
	again, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("CEL expression returned %T, expected bool", out.Value())
	}

	if again {
		state.Continued++
		return nil, nil
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Response, nil
}
