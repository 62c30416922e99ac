package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/polisai/polis-chain/internal/governance"
	"github.com/polisai/polis-chain/pkg/chain"
	"github.com/polisai/polis-chain/pkg/config"
	"github.com/polisai/polis-chain/pkg/pipeline"
	"github.com/polisai/polis-chain/pkg/policies"
)

const (
	policyRetry       = "retry"
	policyServerError = "server-error"
	policyRego        = "rego"
	policyExpr        = "expr"
)

var errReloadUnsupported = errors.New("policy does not support configuration reload")

// builtPolicy is the middleware set selected by the CLI flags.
type builtPolicy struct {
	middleware pipeline.Middleware
	token      pipeline.Middleware
	authorize  pipeline.Middleware
	retry      *policies.Retry
}

// reconfigure pushes a reloaded configuration into the live policy.
func (b *builtPolicy) reconfigure(cfg *config.Config) error {
	if b.retry == nil {
		return errReloadUnsupported
	}
	return b.retry.Configure(cfg.RetryPolicy())
}

func buildPolicy(ctx context.Context, cli *CLIConfig, cfg *config.Config, logger *slog.Logger, observer chain.Observer) (*builtPolicy, error) {
	opts := []chain.Option{chain.WithLogger(logger), chain.WithObserver(observer)}
	limit := cfg.Chain.MaxChainLength
	built := &builtPolicy{}

	switch cli.Policy {
	case policyRetry:
		retry, err := policies.NewRetry(cfg.RetryPolicy(),
			policies.WithRetryBudget(governance.NewRetryBudget(cfg.Retry.BudgetSettings())),
			policies.WithBreakers(governance.NewBreakerSet(cfg.Retry.BreakerSettings())),
			policies.WithRetryLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("retry policy: %w", err)
		}
		built.retry = retry
		built.middleware = chain.New[policies.RetryState](retry, opts...).Wrap

	case policyServerError:
		policy := policies.ServerErrorRetry{Retries: min(cfg.Retry.MaxRetries+1, limit)}
		built.middleware = chain.New(chain.WithMaxChainLength[int](policy, limit), opts...).Wrap

	case policyRego:
		if cli.RegoFile == "" {
			return nil, fmt.Errorf("--policy rego requires --rego-file")
		}
		//nolint:gosec // Module path is supplied by the operator
		module, err := os.ReadFile(cli.RegoFile)
		if err != nil {
			return nil, fmt.Errorf("read rego module: %w", err)
		}
		policy, err := policies.NewRego(ctx, policies.RegoOptions{
			Module:         string(module),
			ModuleName:     filepath.Base(cli.RegoFile),
			MaxChainLength: limit,
		})
		if err != nil {
			return nil, err
		}
		built.middleware = chain.New[policies.RegoState](policy, opts...).Wrap

	case policyExpr:
		policy, err := policies.NewExpr(cli.Expr, limit)
		if err != nil {
			return nil, err
		}
		built.middleware = chain.New[policies.ExprState](policy, opts...).Wrap

	default:
		return nil, fmt.Errorf("unknown policy %q, supported policies: %s, %s, %s, %s",
			cli.Policy, policyRetry, policyServerError, policyRego, policyExpr)
	}

	if cli.TokenURL != "" {
		refresh := policies.NewTokenRefresh(&policies.EndpointTokenSource{
			URL:          cli.TokenURL,
			ClientID:     cli.ClientID,
			ClientSecret: cli.ClientSecret,
			Client:       &http.Client{Timeout: 10 * time.Second},
		})
		built.token = chain.New[policies.TokenState](refresh, chain.WithLogger(logger)).Wrap
		built.authorize = refresh.Authorize
	}

	return built, nil
}
