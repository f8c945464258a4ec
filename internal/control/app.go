// Package control wires configuration, transports and sinks into the fetch
// operations exposed by the CLI.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/google/uuid"

	"github.com/vietddude/chainfetch/internal/core/config"
	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/indexing/blocks"
	"github.com/vietddude/chainfetch/internal/indexing/health"
	"github.com/vietddude/chainfetch/internal/indexing/progress"
	"github.com/vietddude/chainfetch/internal/infra/chain/evm"
	"github.com/vietddude/chainfetch/internal/infra/etherscan"
	redisclient "github.com/vietddude/chainfetch/internal/infra/redis"
	"github.com/vietddude/chainfetch/internal/infra/rpc"
	"github.com/vietddude/chainfetch/internal/infra/sink"
)

// ErrNoProviders is returned by operations that need a JSON-RPC endpoint when
// none is configured.
var ErrNoProviders = errors.New("no rpc provider configured (set providers or WEB3_PROVIDER_URI)")

// ErrNoRedis is returned by operations that need the resume queue when Redis
// is not configured.
var ErrNoRedis = errors.New("redis is not configured")

// App holds the clients shared by every operation of one invocation.
type App struct {
	cfg      *config.AppConfig
	rpc      *rpc.Client
	explorer *etherscan.Client
	redis    *redisclient.Client
	runID    uuid.UUID
	log      *slog.Logger
}

// New builds the clients described by cfg. Missing optional sections leave
// the matching client nil; operations that need it fail with a clear error.
func New(cfg *config.AppConfig) (*App, error) {
	var rpcClient *rpc.Client
	if len(cfg.Providers) > 0 {
		c, err := rpc.NewClientFromConfig(cfg.Providers)
		if err != nil {
			return nil, fmt.Errorf("failed to init rpc client: %w", err)
		}
		rpcClient = c
	}

	var explorer *etherscan.Client
	if cfg.Etherscan.URL != "" {
		getter, err := rpc.NewClientFromConfig([]rpc.ProviderConfig{{
			Name:  "etherscan",
			URL:   cfg.Etherscan.URL,
			RPS:   cfg.Etherscan.RPS,
			Burst: 1,
		}})
		if err != nil {
			return nil, fmt.Errorf("failed to init explorer client: %w", err)
		}
		explorer = etherscan.NewClient(getter, cfg.Etherscan.APIKey)
	}

	var redis *redisclient.Client
	if cfg.Redis.URL != "" {
		c, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		redis = c
	}

	return NewWithClients(cfg, rpcClient, explorer, redis), nil
}

// NewWithClients assembles an App from existing clients. Any of them may be nil.
func NewWithClients(cfg *config.AppConfig, rpcClient *rpc.Client, explorer *etherscan.Client, redis *redisclient.Client) *App {
	runID := uuid.New()
	return &App{
		cfg:      cfg,
		rpc:      rpcClient,
		explorer: explorer,
		redis:    redis,
		runID:    runID,
		log:      slog.Default().With("component", "app", "run_id", runID.String()),
	}
}

// RunID identifies this invocation in logs and Postgres rows.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Close releases every client.
func (a *App) Close() error {
	var errs []error
	if a.rpc != nil {
		errs = append(errs, a.rpc.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

// StartMetricsServer serves /metrics and provider health on addr until ctx
// is done. An empty addr disables it.
func (a *App) StartMetricsServer(ctx context.Context, addr string) {
	if addr == "" || a.rpc == nil {
		return
	}
	health.NewServer(health.NewMonitor(a.rpc.Router()), addr).Start(ctx)
	a.log.Info("Metrics server started", "addr", addr)
}

func (a *App) source() (*evm.Source, error) {
	if a.rpc == nil {
		return nil, ErrNoProviders
	}
	return evm.NewSource(a.rpc), nil
}

// resolveRange returns [start, end], reading the chain head when end is nil.
func (a *App) resolveRange(ctx context.Context, src blocks.Source, start uint64, end *uint64) (domain.FetchRange, error) {
	return blocks.NewIterator(src, blocks.Config{Retry: a.cfg.Blocks.Retry}).Resolve(ctx, start, end)
}

// loadABI reads the ABI at path, or downloads the verified ABI of address
// when path is empty.
func (a *App) loadABI(ctx context.Context, path, address string) (abi.ABI, error) {
	if path != "" {
		return evm.LoadABI(path)
	}
	if a.explorer == nil {
		return abi.ABI{}, fmt.Errorf("no abi given for %s and no explorer configured", address)
	}
	a.log.Info("Fetching ABI from explorer", "address", address)
	return a.explorer.FetchABI(ctx, address)
}

func (a *App) openSink(ctx context.Context, target string, opts sink.Options) (sink.Sink, error) {
	if opts.Format == "" {
		opts.Format = formatFor(target)
	}
	opts.RunID = a.runID
	opts.S3 = a.cfg.S3
	opts.Database = a.cfg.Database
	return sink.Open(ctx, target, opts)
}

func (a *App) reporter(label string) progress.Reporter {
	return progress.Multi(progress.NewLogReporter(label), progress.NewMetricsReporter(label))
}

// formatFor picks CSV for .csv targets (compressed or not) and JSONL otherwise.
func formatFor(target string) sink.Format {
	if strings.HasSuffix(strings.TrimSuffix(target, ".gz"), ".csv") {
		return sink.FormatCSV
	}
	return sink.FormatJSONL
}
