// Package rangefetch retrieves contract logs over large block ranges from
// sources that cap or reject oversized queries. Each top-level window is
// split into sub-windows fetched in parallel; when any of them fails, the
// whole window is retried at the next smaller granularity.
package rangefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/indexing/metrics"
	"github.com/vietddude/chainfetch/internal/indexing/progress"
)

// LogSource returns the logs emitted by address in [from, to].
type LogSource interface {
	GetLogs(ctx context.Context, address string, topics [][]string, from, to uint64) ([]domain.LogRecord, error)
}

// Config holds fetcher settings.
type Config struct {
	Ladder      Ladder
	Parallelism int // Max in-flight source calls per window (default: 20)
	Reporter    progress.Reporter
}

// DefaultConfig returns default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		Ladder:      DefaultLadder,
		Parallelism: 20,
	}
}

// Fetcher is the adaptive-granularity log fetcher.
type Fetcher struct {
	source      LogSource
	ladder      Ladder
	parallelism int
	reporter    progress.Reporter
	log         *slog.Logger
}

// NewFetcher creates a fetcher. A nil ladder selects DefaultLadder.
func NewFetcher(source LogSource, cfg Config) (*Fetcher, error) {
	if source == nil {
		return nil, errors.New("rangefetch: nil log source")
	}
	ladder := cfg.Ladder
	if ladder == nil {
		ladder = DefaultLadder
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultConfig().Parallelism
	}

	return &Fetcher{
		source:      source,
		ladder:      ladder,
		parallelism: parallelism,
		reporter:    progress.OrNop(cfg.Reporter),
		log:         slog.Default().With("component", "rangefetch"),
	}, nil
}

// Fetch returns every log of task ordered by (BlockNumber, LogIndex), without
// duplicates. An empty result is an empty, non-nil slice.
func (f *Fetcher) Fetch(ctx context.Context, task domain.FetchTask) ([]domain.LogRecord, error) {
	out := make([]domain.LogRecord, 0)
	err := f.Stream(ctx, task, func(_ domain.FetchRange, logs []domain.LogRecord) error {
		out = append(out, logs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream fetches task window by window and hands each completed top-level
// window to emit in range order. An error from emit stops the fetch.
func (f *Fetcher) Stream(
	ctx context.Context,
	task domain.FetchTask,
	emit func(window domain.FetchRange, logs []domain.LogRecord) error,
) error {
	if task.Range.Start > task.Range.End {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRange, task.Range)
	}

	windows := task.Range.Split(f.ladder.Largest())
	log := f.log.With("task", task.DisplayName())
	log.Debug("Starting range fetch", "range", task.Range.String(), "windows", len(windows))

	for i, window := range windows {
		logs, err := f.fetchWindow(ctx, task, window)
		if err != nil {
			var unrecoverable *UnrecoverableRangeError
			if errors.As(err, &unrecoverable) {
				unrecoverable.Remaining = domain.FetchRange{Start: window.Start, End: task.Range.End}
			}
			return err
		}

		f.decode(task.Schema, logs, log)

		if err := emit(window, logs); err != nil {
			return fmt.Errorf("emit window %s: %w", window, err)
		}

		metrics.WindowsFetched.WithLabelValues(task.DisplayName()).Inc()
		metrics.LogsFetched.WithLabelValues(task.DisplayName()).Add(float64(len(logs)))
		f.reporter.Tick(i+1, len(windows))
	}

	return nil
}

// fetchWindow walks the ladder until one granularity fetches the whole window.
func (f *Fetcher) fetchWindow(ctx context.Context, task domain.FetchTask, window domain.FetchRange) ([]domain.LogRecord, error) {
	var lastErr *subWindowError

	for step, granularity := range f.ladder {
		logs, err := f.fetchAt(ctx, task, window, granularity)
		if err == nil {
			return logs, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var swErr *subWindowError
		if !errors.As(err, &swErr) {
			return nil, err
		}
		lastErr = swErr

		if step < len(f.ladder)-1 {
			f.log.Warn("Window failed, stepping down",
				"task", task.DisplayName(),
				"window", window.String(),
				"failed", swErr.window.String(),
				"granularity", granularity,
				"next", f.ladder[step+1],
				"error", swErr.err,
			)
			metrics.GranularityStepDowns.WithLabelValues(task.DisplayName(), strconv.FormatUint(granularity, 10)).Inc()
		}
	}

	unrecoverable := &UnrecoverableRangeError{
		Address: task.Address,
		Label:   task.Label,
		Window:  window,
		Failed:  lastErr.window,
		Err:     lastErr.err,
	}
	metrics.UnrecoverableWindows.WithLabelValues(task.DisplayName(), strconv.FormatBool(unrecoverable.Oversized())).Inc()
	return nil, unrecoverable
}

// fetchAt fetches window as sub-windows of granularity blocks. The first
// failing sub-window cancels its siblings.
func (f *Fetcher) fetchAt(ctx context.Context, task domain.FetchTask, window domain.FetchRange, granularity uint64) ([]domain.LogRecord, error) {
	subs := window.Split(granularity)
	results := make([][]domain.LogRecord, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)

	for i, sub := range subs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			logs, err := f.source.GetLogs(gctx, task.Address, task.Topics, sub.Start, sub.End)
			if err != nil {
				metrics.SourceCalls.WithLabelValues("get_logs", "error").Inc()
				return &subWindowError{window: sub, err: err}
			}
			metrics.SourceCalls.WithLabelValues("get_logs", "ok").Inc()
			results[i] = normalize(logs, sub)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	out := make([]domain.LogRecord, 0, total)
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// normalize drops records outside window, then sorts and de-duplicates the
// rest on (BlockNumber, LogIndex).
func normalize(logs []domain.LogRecord, window domain.FetchRange) []domain.LogRecord {
	out := make([]domain.LogRecord, 0, len(logs))
	for _, l := range logs {
		if window.Contains(l.BlockNumber) {
			out = append(out, l)
		}
	}

	slices.SortStableFunc(out, func(a, b domain.LogRecord) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})

	return slices.CompactFunc(out, func(a, b domain.LogRecord) bool {
		return a.BlockNumber == b.BlockNumber && a.LogIndex == b.LogIndex
	})
}

// decode fills Event and Args for logs whose topic0 is in schema. Unknown
// topics and decode failures pass through raw.
func (f *Fetcher) decode(schema domain.Schema, logs []domain.LogRecord, log *slog.Logger) {
	if schema.Len() == 0 {
		return
	}
	for i := range logs {
		dec, ok := schema.Lookup(logs[i].Topic0())
		if !ok {
			continue
		}
		args, err := dec.Decode(logs[i])
		if err != nil {
			log.Debug("Failed to decode log",
				"event", dec.Name(),
				"block", logs[i].BlockNumber,
				"log_index", logs[i].LogIndex,
				"error", err,
			)
			continue
		}
		logs[i].Event = dec.Name()
		logs[i].Args = args
	}
}
