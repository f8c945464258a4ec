package control

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainfetch/internal/core/config"
	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/indexing/rangefetch"
	"github.com/vietddude/chainfetch/internal/infra/chain/evm"
	redisclient "github.com/vietddude/chainfetch/internal/infra/redis"
	"github.com/vietddude/chainfetch/internal/infra/sink"
)

// EventsRequest describes one event fetch.
type EventsRequest struct {
	Address string
	ABIPath string // empty = fetch from explorer
	Start   uint64
	End     *uint64 // nil = latest block
	Label   string
	Topics  [][]string
	Output  string
}

// FetchEvents fetches every log of one contract over a range and writes it
// to the output. Windows that cannot be fetched are queued for resume when
// Redis is configured.
func (a *App) FetchEvents(ctx context.Context, req EventsRequest) error {
	src, err := a.source()
	if err != nil {
		return err
	}

	rng, err := a.resolveRange(ctx, src, req.Start, req.End)
	if err != nil {
		return err
	}

	contractABI, err := a.loadABI(ctx, req.ABIPath, req.Address)
	if err != nil {
		return err
	}

	task := domain.FetchTask{
		Address: req.Address,
		Schema:  evm.SchemaFromABI(contractABI),
		Range:   rng,
		Label:   req.Label,
		Topics:  req.Topics,
	}

	cfg := rangefetch.Config{
		Ladder:      rangefetch.Ladder(a.cfg.Fetch.Ladder),
		Parallelism: a.cfg.Fetch.Parallelism,
		Reporter:    a.reporter(task.DisplayName()),
	}
	fetcher, err := rangefetch.NewFetcher(src, cfg)
	if err != nil {
		return err
	}

	out, err := a.openSink(ctx, req.Output, sink.Options{Kind: "events", Label: task.DisplayName()})
	if err != nil {
		return err
	}

	start := time.Now()
	count := 0
	err = fetcher.Stream(ctx, task, func(_ domain.FetchRange, logs []domain.LogRecord) error {
		for i := range logs {
			if err := out.Write(ctx, logs[i]); err != nil {
				return err
			}
		}
		count += len(logs)
		return nil
	})

	// Keep what was written even when the fetch failed part way.
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		a.queueUnrecoverable(ctx, err)
		return fmt.Errorf("fetch events %s: %w", task.DisplayName(), err)
	}

	a.log.Info("Fetched events",
		"task", task.DisplayName(),
		"range", task.Range.String(),
		"logs", count,
		"duration", time.Since(start).String(),
	)
	return nil
}

// queueUnrecoverable records the unfetched tail of a task in its resume queue.
func (a *App) queueUnrecoverable(ctx context.Context, err error) {
	var unrecoverable *rangefetch.UnrecoverableRangeError
	if !errors.As(err, &unrecoverable) {
		return
	}

	log := a.log.With(
		"task", unrecoverable.Label,
		"address", unrecoverable.Address,
		"failed", unrecoverable.Failed.String(),
		"remaining", unrecoverable.Remaining.String(),
		"oversized", unrecoverable.Oversized(),
	)
	if a.redis == nil {
		log.Warn("Unrecoverable window not queued, redis not configured")
		return
	}

	label := unrecoverable.Label
	if label == "" {
		label = unrecoverable.Address
	}
	// The parent context may be the reason the fetch ended.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := redisclient.NewRangeQueue(a.redis, label).Push(pushCtx, unrecoverable.Remaining); perr != nil {
		log.Error("Failed to queue unrecoverable window", "error", perr)
		return
	}
	log.Warn("Queued unrecoverable window for resume")
}

// FetchAllEvents runs one event fetch per task, at most fetch.tasks at a
// time, writing <outputDir>/<name>.jsonl.gz. A failing task does not stop
// the others; the returned error joins every failure.
func (a *App) FetchAllEvents(ctx context.Context, tasks []config.TaskSpec, outputDir string) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	g.SetLimit(max(a.cfg.Fetch.Tasks, 1))

	for _, t := range tasks {
		g.Go(func() error {
			err := a.FetchEvents(ctx, EventsRequest{
				Address: t.Address,
				ABIPath: t.ABI,
				Start:   t.StartBlock,
				End:     t.EndBlock,
				Label:   t.Name,
				Topics:  t.Topics,
				Output:  filepath.Join(outputDir, t.Name+".jsonl.gz"),
			})
			if err != nil {
				a.log.Error("Task failed", "task", t.Name, "address", t.Address, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("task %s (%s): %w", t.Name, t.Address, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.log.Info("All tasks fetched", "tasks", len(tasks), "output_dir", outputDir)
	return nil
}

// ResumeRequest re-runs the queued ranges of one task.
type ResumeRequest struct {
	Task   config.TaskSpec
	Output string // ranges are written to <Output stem>.<start>-<end>.jsonl.gz
}

// Resume drains the resume queue of a task. The queue is merged first so
// overlapping pushes are fetched once. A range that fails again is pushed
// back by FetchEvents and the drain stops.
func (a *App) Resume(ctx context.Context, req ResumeRequest) (int, error) {
	if a.redis == nil {
		return 0, ErrNoRedis
	}

	label := req.Task.Name
	ok, err := a.redis.AcquireLock(ctx, label, time.Hour)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("resume of %s already running", label)
	}
	defer func() {
		_ = a.redis.ReleaseLock(context.WithoutCancel(ctx), label)
	}()

	queue := redisclient.NewRangeQueue(a.redis, label)
	merged, err := queue.Merge(ctx)
	if err != nil {
		return 0, err
	}
	a.log.Info("Resuming queued ranges", "task", label, "ranges", len(merged))

	resumed := 0
	for {
		rng, found, err := queue.Pop(ctx)
		if err != nil {
			return resumed, err
		}
		if !found {
			return resumed, nil
		}

		err = a.FetchEvents(ctx, EventsRequest{
			Address: req.Task.Address,
			ABIPath: req.Task.ABI,
			Start:   rng.Start,
			End:     &rng.End,
			Label:   label,
			Topics:  req.Task.Topics,
			Output:  resumeOutput(req.Output, label, rng),
		})
		if err != nil {
			var unrecoverable *rangefetch.UnrecoverableRangeError
			if !errors.As(err, &unrecoverable) {
				// Not queued by FetchEvents; put the range back untouched.
				if perr := queue.Push(context.WithoutCancel(ctx), rng); perr != nil {
					a.log.Error("Failed to requeue range", "range", rng.String(), "error", perr)
				}
			}
			return resumed, err
		}
		resumed++
	}
}

func resumeOutput(output, label string, rng domain.FetchRange) string {
	if output == "" {
		output = label
	}
	return fmt.Sprintf("%s.%s.jsonl.gz", output, rng.String())
}

// QueuedRanges returns the ranges waiting in the resume queue of label.
func (a *App) QueuedRanges(ctx context.Context, label string) ([]domain.FetchRange, error) {
	if a.redis == nil {
		return nil, ErrNoRedis
	}
	return redisclient.NewRangeQueue(a.redis, label).All(ctx)
}

// ClearQueue drops every queued range of label.
func (a *App) ClearQueue(ctx context.Context, label string) error {
	if a.redis == nil {
		return ErrNoRedis
	}
	return redisclient.NewRangeQueue(a.redis, label).Clear(ctx)
}
