// Package blocks fetches dense runs of blocks in height order.
package blocks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/metrics"
	"github.com/vietddude/chainfetch/internal/indexing/progress"
)

// Source fetches single blocks.
type Source interface {
	GetBlock(ctx context.Context, height uint64) (domain.Block, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// Config holds iterator settings.
type Config struct {
	Workers     int    // Concurrent block requests (default: 20)
	LogInterval uint64 // Blocks between progress reports (default: 1000)
	Retry       retry.Policy
	Reporter    progress.Reporter
}

// DefaultConfig returns default iterator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     20,
		LogInterval: 1000,
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}
}

// Iterator fetches every block of a range. A block that cannot be fetched
// aborts the run.
type Iterator struct {
	source Source
	cfg    Config
	log    *slog.Logger
}

// NewIterator creates an iterator. Zero config fields take their defaults.
func NewIterator(source Source, cfg Config) *Iterator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = def.LogInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	cfg.Reporter = progress.OrNop(cfg.Reporter)
	return &Iterator{
		source: source,
		cfg:    cfg,
		log:    slog.Default().With("component", "blocks"),
	}
}

// Resolve returns [start, end], or [start, latest] when end is nil.
func (it *Iterator) Resolve(ctx context.Context, start uint64, end *uint64) (domain.FetchRange, error) {
	if end != nil {
		return domain.NewFetchRange(start, *end)
	}
	latest, err := retry.DoValue(ctx, it.cfg.Retry, it.source.LatestBlock)
	if err != nil {
		return domain.FetchRange{}, fmt.Errorf("get latest block: %w", err)
	}
	return domain.NewFetchRange(start, latest)
}

// Iterate fetches every block of rng and passes them to emit in height order.
// Blocks are fetched in batches of LogInterval.
func (it *Iterator) Iterate(ctx context.Context, rng domain.FetchRange, emit func(domain.Block) error) error {
	if rng.Start > rng.End {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRange, rng)
	}

	batches := rng.Split(it.cfg.LogInterval)
	total := int(rng.Size())
	done := 0
	started := time.Now()

	it.log.Info("Fetching blocks", "range", rng.String(), "total", total)

	for _, batch := range batches {
		blocks, err := it.fetchBatch(ctx, batch)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if err := emit(b); err != nil {
				return fmt.Errorf("emit block %d: %w", b.Number, err)
			}
		}

		done += len(blocks)
		metrics.BlocksFetched.Add(float64(len(blocks)))
		it.cfg.Reporter.Tick(done, total)
		it.log.Info("Processed blocks",
			"done", done,
			"total", total,
			"last", batch.End,
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
	}

	return nil
}

// Collect is Iterate gathering every block into a slice.
func (it *Iterator) Collect(ctx context.Context, rng domain.FetchRange) ([]domain.Block, error) {
	out := make([]domain.Block, 0)
	err := it.Iterate(ctx, rng, func(b domain.Block) error {
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (it *Iterator) fetchBatch(ctx context.Context, batch domain.FetchRange) ([]domain.Block, error) {
	blocks := make([]domain.Block, batch.Size())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(it.cfg.Workers)

	for i := range blocks {
		height := batch.Start + uint64(i)
		g.Go(func() error {
			b, err := retry.DoValue(gctx, it.cfg.Retry, func(ctx context.Context) (domain.Block, error) {
				return it.source.GetBlock(ctx, height)
			})
			if err != nil {
				metrics.SourceCalls.WithLabelValues("get_block", "error").Inc()
				return fmt.Errorf("block %d: %w", height, err)
			}
			metrics.SourceCalls.WithLabelValues("get_block", "ok").Inc()
			blocks[i] = b
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return blocks, nil
}
