// Package main is the entry point for the budgetiq-gateway binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/budgetiq/budgetiq-gateway/pkg/config"
	"github.com/budgetiq/budgetiq-gateway/pkg/gateway"
	"github.com/budgetiq/budgetiq-gateway/pkg/logging"
	"github.com/budgetiq/budgetiq-gateway/pkg/telemetry"
)

const defaultConfigPath = "configs/gateway.yaml"

// CLIConfig holds the parsed CLI configuration
type CLIConfig struct {
	Config   string
	LogLevel string
	Pretty   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for budgetiq-gateway
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "budgetiq-gateway",
		Short: "Edge gateway for the BudgetIQ platform",
		Long: `The edge gateway authenticates bearer tokens, routes requests to the
platform's backend services and shields callers from failing upstreams with
timeouts, retries and circuit breakers.

Example:
  budgetiq-gateway serve --config configs/gateway.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable human readable console logging")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and exit",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
}

// parseCLIConfig parses command line flags and returns a CLIConfig
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	return &CLIConfig{Config: configPath, LogLevel: logLevel, Pretty: pretty}, nil
}

// newLogger builds the process logger. The flag wins over the file.
func newLogger(cli *CLIConfig, cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	return logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: cli.Pretty || cfg.Logging.Pretty,
	})
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if err := gateway.Check(cmd.Context(), cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid: %d upstreams, %d routes\n",
		cli.Config, len(cfg.Upstreams), len(cfg.Routes))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	provider, err := config.NewFileProvider(cli.Config, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Error("Failed to close config provider", "error", err)
		}
	}()
	cfg := provider.Current()

	logger := newLogger(cli, cfg)
	slog.SetDefault(logger)

	logger.Info("Starting budgetiq-gateway", "config", cli.Config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}

	srv, err := gateway.New(ctx, cfg, gateway.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}

	go srv.Watch(ctx, provider.Subscribe())

	<-ctx.Done()
	logger.Info("Shutting down")
	waitForShutdown(srv, shutdownTracing, srv.Runtime().Config.Server.ShutdownTimeout, logger)
	return nil
}

func waitForShutdown(srv *gateway.Server, shutdownTracing func(context.Context) error, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("Tracing shutdown error", "error", err)
	}
	logger.Info("Gateway stopped")
}
