// Package sampler evaluates a read-only contract call at evenly spaced block
// heights with a bounded worker pool.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/metrics"
	"github.com/vietddude/chainfetch/internal/indexing/progress"
)

// ErrInvalidStride is returned for a zero stride.
var ErrInvalidStride = errors.New("stride must be positive")

// Caller evaluates function on target as of block.
type Caller interface {
	Call(ctx context.Context, target, function string, args []any, block uint64) (any, error)
}

// CallRequest identifies the call to sample.
type CallRequest struct {
	Target   string
	Function string
	Args     []any
}

// Config holds sampler settings.
type Config struct {
	Workers   int // Pool size (default: NumCPU * 5)
	TickEvery int // Completions between progress ticks (default: 10)
	Retry     retry.Policy
	Reporter  progress.Reporter
	// OnAbsent is called for each height that still failed after retries.
	// It may be called from several goroutines at once.
	OnAbsent func(height uint64, err error)
}

// DefaultConfig returns default sampler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   runtime.NumCPU() * 5,
		TickEvery: 10,
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}
}

// Sampler is the bounded call sampler.
type Sampler struct {
	caller    Caller
	workers   int
	tickEvery int
	policy    retry.Policy
	reporter  progress.Reporter
	onAbsent  func(height uint64, err error)
	log       *slog.Logger
}

// NewSampler creates a sampler. Zero config fields take their defaults.
func NewSampler(caller Caller, cfg Config) *Sampler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = def.TickEvery
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	return &Sampler{
		caller:    caller,
		workers:   cfg.Workers,
		tickEvery: cfg.TickEvery,
		policy:    cfg.Retry,
		reporter:  progress.OrNop(cfg.Reporter),
		onAbsent:  cfg.OnAbsent,
		log:       slog.Default().With("component", "sampler"),
	}
}

// Heights lists start, start+stride, ... up to and including end.
func Heights(rng domain.FetchRange, stride uint64) ([]uint64, error) {
	if stride == 0 {
		return nil, ErrInvalidStride
	}
	if rng.Start > rng.End {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRange, rng)
	}

	heights := make([]uint64, 0, (rng.End-rng.Start)/stride+1)
	for h := rng.Start; ; h += stride {
		heights = append(heights, h)
		if rng.End-h < stride {
			break
		}
	}
	return heights, nil
}

// Sample evaluates req at every stride-th height of rng. Heights that fail
// after retries are omitted from the result. Only cancellation of ctx aborts
// the batch.
func (s *Sampler) Sample(ctx context.Context, req CallRequest, rng domain.FetchRange, stride uint64) ([]domain.CallSample, error) {
	heights, err := Heights(rng, stride)
	if err != nil {
		return nil, err
	}

	type slot struct {
		result any
		ok     bool
	}
	slots := make([]slot, len(heights))

	var (
		mu        sync.Mutex
		completed int
	)
	done := func() {
		mu.Lock()
		defer mu.Unlock()
		completed++
		if completed%s.tickEvery == 0 || completed == len(heights) {
			s.reporter.Tick(completed, len(heights))
		}
	}

	log := s.log.With("target", req.Target, "function", req.Function)
	log.Debug("Starting call sampling", "range", rng.String(), "stride", stride, "samples", len(heights))

	var g errgroup.Group
	g.SetLimit(s.workers)

	for i, height := range heights {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer done()

			result, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (any, error) {
				return s.caller.Call(ctx, req.Target, req.Function, req.Args, height)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				metrics.SourceCalls.WithLabelValues("call", "error").Inc()
				metrics.SamplesAbsent.WithLabelValues(req.Function).Inc()
				log.Warn("Sample absent after retries", "block", height, "error", err)
				if s.onAbsent != nil {
					s.onAbsent(height, err)
				}
				return nil
			}

			metrics.SourceCalls.WithLabelValues("call", "ok").Inc()
			slots[i] = slot{result: result, ok: true}
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples := make([]domain.CallSample, 0, len(heights))
	for i, sl := range slots {
		if sl.ok {
			samples = append(samples, domain.CallSample{BlockHeight: heights[i], Result: sl.result})
		}
	}
	return samples, nil
}
