package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/chainfetch/internal/control"
	"github.com/vietddude/chainfetch/internal/core/config"
	"github.com/vietddude/chainfetch/internal/core/domain"
)

var (
	cfgPath     string
	isDebug     bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "chainfetch",
	Short: "Resilient batched retrieval of blockchain data",
	Long: `chainfetch pulls contract events, historical call results, account
transactions, blocks and traces from JSON-RPC nodes and explorer APIs,
adapting batch sizes to provider limits.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (defaults and environment when empty)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
}

// setup loads configuration, initializes logging and builds the app. The
// returned context is cancelled on SIGINT or SIGTERM.
func setup() (context.Context, *control.App, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	app, err := control.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	addr := metricsAddr
	if addr == "" {
		addr = cfg.Server.MetricsAddr
	}
	app.StartMetricsServer(ctx, addr)

	slog.Debug("Initialized", "config", cfgPath, "run_id", app.RunID().String())

	cleanup := func() {
		stop()
		if err := app.Close(); err != nil {
			slog.Warn("Error during shutdown", "error", err)
		}
	}
	return ctx, app, cleanup, nil
}

// endBlock returns nil when --end-block was not given, meaning the chain
// head. An explicit end is checked against start.
func endBlock(cmd *cobra.Command, start, end uint64) (*uint64, error) {
	if !cmd.Flags().Changed("end-block") {
		return nil, nil
	}
	if _, err := blockRange(start, end); err != nil {
		return nil, err
	}
	return &end, nil
}

// blockRange validates --start-block/--end-block.
func blockRange(start, end uint64) (domain.FetchRange, error) {
	rng, err := domain.NewFetchRange(start, end)
	if err != nil {
		return domain.FetchRange{}, fmt.Errorf("--start-block/--end-block: %w", err)
	}
	return rng, nil
}
