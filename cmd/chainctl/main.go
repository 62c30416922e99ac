// Package main is the entry point for the chainctl binary.
// It sends HTTP requests through a request chaining policy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-chain/pkg/chain"
	"github.com/polisai/polis-chain/pkg/config"
	"github.com/polisai/polis-chain/pkg/logging"
	"github.com/polisai/polis-chain/pkg/metrics"
	"github.com/polisai/polis-chain/pkg/pipeline"
	"github.com/polisai/polis-chain/pkg/telemetry"
)

// CLIConfig holds the parsed CLI configuration
type CLIConfig struct {
	Config         string
	Method         string
	Headers        []string
	Data           string
	Policy         string
	RegoFile       string
	Expr           string
	MaxChainLength int
	LogLevel       string
	MetricsAddr    string
	Watch          bool
	Repeat         int
	Interval       time.Duration
	TokenURL       string
	ClientID       string
	ClientSecret   string
	URL            string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if chain.IsChainLengthExceeded(err) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

// newRootCmd creates the root command for chainctl
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chainctl [flags] URL",
		Short: "Send HTTP requests through a request chaining policy",
		Long: `chainctl issues an HTTP request through a chaining policy that may resend
it, rewrite it, or synthesize a result, bounded by a maximum chain length.

Examples:
  chainctl --policy retry https://api.example.com/items
  chainctl --policy expr --expr 'status == 429 && attempt < 3' https://api.example.com
  chainctl --policy rego --rego-file chain.rego -X POST -d @body.json https://api.example.com`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChainctl,
	}

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("method", "X", http.MethodGet, "HTTP method")
	flags.StringArrayP("header", "H", nil, "Request header as 'Name: value' (repeatable)")
	flags.StringP("data", "d", "", "Request body, or @file to read it from a file")
	flags.String("policy", policyRetry, "Chaining policy (retry, server-error, rego, expr)")
	flags.String("rego-file", "", "Rego module for the rego policy")
	flags.String("expr", "", "CEL expression for the expr policy")
	flags.Int("max-chain-length", 0, "Maximum sends per chain (overrides config)")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.Bool("watch", false, "Reload the configuration file when it changes")
	flags.Int("repeat", 1, "Number of requests to send, 0 to run until interrupted")
	flags.Duration("interval", time.Second, "Pause between repeated requests")
	flags.String("token-url", "", "OAuth2 token endpoint; enables refresh on 401")
	flags.String("client-id", "", "OAuth2 client ID")
	flags.String("client-secret", os.Getenv("CHAIN_CLIENT_SECRET"), "OAuth2 client secret")

	return rootCmd
}

// parseCLIConfig parses command line arguments and returns a CLIConfig
func parseCLIConfig(cmd *cobra.Command, args []string) (*CLIConfig, error) {
	flags := cmd.Flags()
	cli := &CLIConfig{}
	var err error

	get := func(name string, dst *string) {
		if err == nil {
			*dst, err = flags.GetString(name)
		}
	}
	get("config", &cli.Config)
	get("method", &cli.Method)
	get("data", &cli.Data)
	get("policy", &cli.Policy)
	get("rego-file", &cli.RegoFile)
	get("expr", &cli.Expr)
	get("log-level", &cli.LogLevel)
	get("metrics-addr", &cli.MetricsAddr)
	get("token-url", &cli.TokenURL)
	get("client-id", &cli.ClientID)
	get("client-secret", &cli.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}

	if cli.Headers, err = flags.GetStringArray("header"); err != nil {
		return nil, fmt.Errorf("failed to get header flag: %w", err)
	}
	if cli.MaxChainLength, err = flags.GetInt("max-chain-length"); err != nil {
		return nil, fmt.Errorf("failed to get max-chain-length flag: %w", err)
	}
	if cli.Watch, err = flags.GetBool("watch"); err != nil {
		return nil, fmt.Errorf("failed to get watch flag: %w", err)
	}
	if cli.Repeat, err = flags.GetInt("repeat"); err != nil {
		return nil, fmt.Errorf("failed to get repeat flag: %w", err)
	}
	if cli.Interval, err = flags.GetDuration("interval"); err != nil {
		return nil, fmt.Errorf("failed to get interval flag: %w", err)
	}

	if cli.MaxChainLength < 0 {
		return nil, fmt.Errorf("max-chain-length must not be negative")
	}
	if cli.Repeat < 0 {
		return nil, fmt.Errorf("repeat must not be negative")
	}
	if cli.Watch && cli.Config == "" {
		return nil, fmt.Errorf("--watch requires --config")
	}
	if cli.Watch && cli.Policy != policyRetry {
		return nil, fmt.Errorf("--watch is only supported with --policy %s", policyRetry)
	}
	if len(args) > 0 {
		cli.URL = args[0]
	}
	return cli, nil
}

// applyFlagOverrides lets CLI flags win over file and environment values.
func applyFlagOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.MaxChainLength > 0 {
		cfg.Chain.MaxChainLength = cli.MaxChainLength
	}
	if cli.MetricsAddr != "" {
		cfg.Metrics.Address = cli.MetricsAddr
	}
}

// runChainctl is the main entry point for the chainctl command
func runChainctl(cmd *cobra.Command, args []string) error {
	cli, err := parseCLIConfig(cmd, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, cli)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	promMetrics := metrics.NewMetrics()
	if cfg.Metrics.Address != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Address, promMetrics, logger)
		defer stopMetrics()
	}

	observer := chain.Observers(telemetry.NewObserver(), promMetrics)
	built, err := buildPolicy(ctx, cli, cfg, logger, observer)
	if err != nil {
		return err
	}

	if cli.Watch {
		watcher, err := config.NewWatcher(cli.Config, func(next *config.Config, err error) {
			if err != nil {
				promMetrics.RecordConfigReload("failure")
				return
			}
			applyFlagOverrides(next, cli)
			if err := built.reconfigure(next); err != nil {
				promMetrics.RecordConfigReload("failure")
				logger.Error("Rejected reloaded configuration", "error", err)
				return
			}
			promMetrics.RecordConfigReload("success")
		}, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	client, err := buildClient(cfg, cli, built)
	if err != nil {
		return err
	}

	err = sendLoop(ctx, cmd, client, cli, logger)
	if built.retry != nil {
		stats := built.retry.Stats()
		logger.Info("Retry policy summary",
			"retries", stats.Retries,
			"exhausted", stats.Exhausted,
			"budget_denied", stats.BudgetDenied,
			"circuit_rejected", stats.CircuitRejected,
		)
	}
	return err
}

// sendLoop issues the request cli.Repeat times, or until ctx ends when
// Repeat is zero. It returns the error of the last failed request.
func sendLoop(ctx context.Context, cmd *cobra.Command, client *http.Client, cli *CLIConfig, logger *slog.Logger) error {
	var lastErr error
	for i := 0; cli.Repeat == 0 || i < cli.Repeat; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(cli.Interval):
			}
		}

		req, err := newRequest(ctx, cli)
		if err != nil {
			return err
		}
		if err := send(client, req, cmd.OutOrStdout()); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return lastErr
			}
			if cli.Repeat == 1 {
				return err
			}
			logger.Error("Request failed", "error", err, "iteration", i+1)
			lastErr = err
		}
	}
	return lastErr
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func buildClient(cfg *config.Config, cli *CLIConfig, built *builtPolicy) (*http.Client, error) {
	tlsConfig, err := cfg.UpstreamTLS.ClientTLS()
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	builder := pipeline.NewBuilder(&http.Client{Transport: transport}).
		With(pipeline.RequestID(pipeline.RequestIDHeader)).
		With(pipeline.Span("chainctl.request", nil))
	if built.token != nil {
		builder = builder.With(built.token)
	}
	builder = builder.With(built.middleware)
	if built.authorize != nil {
		builder = builder.With(built.authorize)
	}
	return builder.WithTracing().Build(), nil
}
