package rangefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/indexing/progress"
)

// fakeSource serves logs from a fixed list, optionally failing some requests.
type fakeSource struct {
	logs   []domain.LogRecord
	failFn func(from, to uint64) error

	mu    sync.Mutex
	calls []domain.FetchRange
}

func (s *fakeSource) GetLogs(ctx context.Context, address string, topics [][]string, from, to uint64) ([]domain.LogRecord, error) {
	s.mu.Lock()
	s.calls = append(s.calls, domain.FetchRange{Start: from, End: to})
	s.mu.Unlock()

	if s.failFn != nil {
		if err := s.failFn(from, to); err != nil {
			return nil, err
		}
	}
	var out []domain.LogRecord
	for _, l := range s.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeSource) callsWithSpan(span uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Size() == span {
			n++
		}
	}
	return n
}

// syntheticLogs emits two logs every step blocks in [from, to].
func syntheticLogs(from, to, step uint64) []domain.LogRecord {
	var out []domain.LogRecord
	for b := from; b <= to; b += step {
		for idx := uint(0); idx < 2; idx++ {
			out = append(out, domain.LogRecord{
				Address:     "0xtoken",
				Topics:      []string{"0xabc"},
				BlockNumber: b,
				LogIndex:    idx,
				TxHash:      fmt.Sprintf("0x%d-%d", b, idx),
			})
		}
	}
	return out
}

func newTestFetcher(t *testing.T, src LogSource, ladder Ladder, reporter progress.Reporter) *Fetcher {
	t.Helper()
	f, err := NewFetcher(src, Config{Ladder: ladder, Parallelism: 4, Reporter: reporter})
	require.NoError(t, err)
	return f
}

func task(start, end uint64) domain.FetchTask {
	return domain.FetchTask{Address: "0xtoken", Label: "test", Range: domain.FetchRange{Start: start, End: end}}
}

func TestLadder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []uint64
		wantErr bool
	}{
		{"default", DefaultLadder, false},
		{"single", []uint64{1}, false},
		{"empty", nil, true},
		{"not ending at one", []uint64{100, 10}, true},
		{"not decreasing", []uint64{10, 10, 1}, true},
		{"increasing", []uint64{1, 10}, true},
		{"zero", []uint64{10, 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLadder(tt.steps...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLadder)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFetcher_RejectsInvalidLadder(t *testing.T) {
	_, err := NewFetcher(&fakeSource{}, Config{Ladder: Ladder{100, 10}})
	assert.ErrorIs(t, err, ErrInvalidLadder)
}

func TestFetch_PoisonedWindowStepsDownOnce(t *testing.T) {
	poison := domain.FetchRange{Start: 12000, End: 12999}
	src := &fakeSource{
		logs: syntheticLogs(1, 25000, 97),
		failFn: func(from, to uint64) error {
			if from <= poison.End && to >= poison.Start && to-from+1 > 1000 {
				return errors.New("query returned more than 10000 results")
			}
			return nil
		},
	}
	f := newTestFetcher(t, src, Ladder{10000, 1000, 1}, nil)

	logs, err := f.Fetch(context.Background(), task(1, 25000))
	require.NoError(t, err)

	assert.Equal(t, src.logs, logs, "every log exactly once, in order")
	assert.Zero(t, src.callsWithSpan(1), "window must never reach granularity 1")
	assert.Equal(t, 10, src.callsWithSpan(1000), "only the poisoned window is re-fetched at 1000")
}

func TestFetch_FallbackIsTransparent(t *testing.T) {
	all := syntheticLogs(1, 3000, 7)

	clean := &fakeSource{logs: all}
	direct, err := newTestFetcher(t, clean, DefaultLadder, nil).Fetch(context.Background(), task(1, 3000))
	require.NoError(t, err)

	var n atomic.Int64
	flaky := &fakeSource{
		logs: all,
		failFn: func(from, to uint64) error {
			if to-from+1 > 10 && n.Add(1)%2 == 1 {
				return errors.New("503 service unavailable")
			}
			return nil
		},
	}
	viaFallback, err := newTestFetcher(t, flaky, DefaultLadder, nil).Fetch(context.Background(), task(1, 3000))
	require.NoError(t, err)

	assert.Equal(t, direct, viaFallback)
	assert.Equal(t, all, viaFallback)
}

func TestFetch_EmptyResult(t *testing.T) {
	f := newTestFetcher(t, &fakeSource{}, DefaultLadder, nil)

	logs, err := f.Fetch(context.Background(), task(5, 5))
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestFetch_InvalidRange(t *testing.T) {
	f := newTestFetcher(t, &fakeSource{}, DefaultLadder, nil)
	_, err := f.Fetch(context.Background(), task(10, 5))
	assert.ErrorIs(t, err, domain.ErrInvalidRange)
}

func TestFetch_LooseSourceIsNormalized(t *testing.T) {
	loose := sourceFunc(func(ctx context.Context, from, to uint64) ([]domain.LogRecord, error) {
		return []domain.LogRecord{
			{BlockNumber: to, LogIndex: 1},
			{BlockNumber: from, LogIndex: 0},
			{BlockNumber: to, LogIndex: 1},
			{BlockNumber: to + 1, LogIndex: 0},
		}, nil
	})
	f := newTestFetcher(t, loose, Ladder{5, 1}, nil)
	logs, err := f.Fetch(context.Background(), task(1, 10))
	require.NoError(t, err)

	want := []domain.LogRecord{
		{BlockNumber: 1, LogIndex: 0},
		{BlockNumber: 5, LogIndex: 1},
		{BlockNumber: 6, LogIndex: 0},
		{BlockNumber: 10, LogIndex: 1},
	}
	assert.Equal(t, want, logs)
}

type sourceFunc func(ctx context.Context, from, to uint64) ([]domain.LogRecord, error)

func (f sourceFunc) GetLogs(ctx context.Context, _ string, _ [][]string, from, to uint64) ([]domain.LogRecord, error) {
	return f(ctx, from, to)
}

func TestFetch_UnrecoverableRange(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		oversized bool
	}{
		{"oversized", fmt.Errorf("eth_getLogs: %w", ErrResultSetTooLarge), true},
		{"transient", errors.New("503 service unavailable"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				logs: syntheticLogs(1, 30, 1),
				failFn: func(from, to uint64) error {
					if from <= 15 && to >= 15 {
						return tt.cause
					}
					return nil
				},
			}
			rec := &progress.Recorder{}
			f := newTestFetcher(t, src, Ladder{10, 1}, rec)

			var emitted []domain.FetchRange
			err := f.Stream(context.Background(), task(1, 30), func(w domain.FetchRange, _ []domain.LogRecord) error {
				emitted = append(emitted, w)
				return nil
			})

			var unrecoverable *UnrecoverableRangeError
			require.ErrorAs(t, err, &unrecoverable)
			assert.Equal(t, domain.FetchRange{Start: 11, End: 20}, unrecoverable.Window)
			assert.Equal(t, domain.FetchRange{Start: 15, End: 15}, unrecoverable.Failed)
			assert.Equal(t, domain.FetchRange{Start: 11, End: 30}, unrecoverable.Remaining)
			assert.Equal(t, "0xtoken", unrecoverable.Address)
			assert.Equal(t, "test", unrecoverable.Label)
			assert.Equal(t, tt.oversized, unrecoverable.Oversized())
			assert.ErrorIs(t, err, tt.cause)

			assert.Equal(t, []domain.FetchRange{{Start: 1, End: 10}}, emitted)
			assert.Len(t, rec.Ticks(), 1)
		})
	}
}

func TestFetch_ParentCancellationIsNotStepDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := sourceFunc(func(ctx context.Context, from, to uint64) ([]domain.LogRecord, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newTestFetcher(t, src, DefaultLadder, nil)

	_, err := f.Fetch(ctx, task(1, 100))
	assert.ErrorIs(t, err, context.Canceled)

	var unrecoverable *UnrecoverableRangeError
	assert.False(t, errors.As(err, &unrecoverable))
}

func TestFetch_ProgressOncePerWindow(t *testing.T) {
	rec := &progress.Recorder{}
	f := newTestFetcher(t, &fakeSource{logs: syntheticLogs(1, 25, 3)}, Ladder{10, 1}, rec)

	_, err := f.Fetch(context.Background(), task(1, 25))
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, rec.Ticks())
}

func TestFetch_RespectsParallelism(t *testing.T) {
	var inFlight, peak atomic.Int64
	src := sourceFunc(func(ctx context.Context, from, to uint64) ([]domain.LogRecord, error) {
		if to > from {
			return nil, errors.New("timeout")
		}
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil, nil
	})
	f, err := NewFetcher(src, Config{Ladder: Ladder{100, 1}, Parallelism: 3})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), task(1, 100))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Positive(t, peak.Load())
}

type fakeDecoder struct {
	name string
	err  error
}

func (d fakeDecoder) Name() string { return d.name }

func (d fakeDecoder) Decode(l domain.LogRecord) (map[string]any, error) {
	if d.err != nil {
		return nil, d.err
	}
	return map[string]any{"block": l.BlockNumber}, nil
}

func TestFetch_DecodesKnownTopicsAndPassesOthersThrough(t *testing.T) {
	src := &fakeSource{logs: []domain.LogRecord{
		{BlockNumber: 1, LogIndex: 0, Topics: []string{"0xABC"}},
		{BlockNumber: 1, LogIndex: 1, Topics: []string{"0xbad"}},
		{BlockNumber: 2, LogIndex: 0, Topics: []string{"0xdef"}},
		{BlockNumber: 3, LogIndex: 0},
	}}
	tk := task(1, 3)
	tk.Schema = domain.NewSchema(map[string]domain.EventDecoder{
		"0xabc": fakeDecoder{name: "Transfer"},
		"0xbad": fakeDecoder{name: "Broken", err: errors.New("short data")},
	})

	logs, err := newTestFetcher(t, src, DefaultLadder, nil).Fetch(context.Background(), tk)
	require.NoError(t, err)
	require.Len(t, logs, 4)

	assert.Equal(t, "Transfer", logs[0].Event)
	assert.Equal(t, map[string]any{"block": uint64(1)}, logs[0].Args)
	for _, l := range logs[1:] {
		assert.Empty(t, l.Event)
		assert.Nil(t, l.Args)
	}
}

func TestStream_EmitErrorStops(t *testing.T) {
	f := newTestFetcher(t, &fakeSource{}, Ladder{10, 1}, nil)
	stop := errors.New("disk full")

	calls := 0
	err := f.Stream(context.Background(), task(1, 50), func(domain.FetchRange, []domain.LogRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestFetch_SplitIsLossless(t *testing.T) {
	// Fails any span over 300 blocks touching [5000, 5999] or [18000, 18499].
	newSource := func() *fakeSource {
		return &fakeSource{
			logs: syntheticLogs(1, 25000, 37),
			failFn: func(from, to uint64) error {
				hot := (from <= 5999 && to >= 5000) || (from <= 18499 && to >= 18000)
				if hot && to-from+1 > 300 {
					return errors.New("query returned more than 10000 results")
				}
				return nil
			},
		}
	}

	whole, err := newTestFetcher(t, newSource(), Ladder{1000, 100, 1}, nil).Fetch(context.Background(), task(1, 25000))
	require.NoError(t, err)

	for _, cut := range []uint64{1, 5500, 12345, 18000, 24999} {
		t.Run(fmt.Sprintf("cut at %d", cut), func(t *testing.T) {
			f := newTestFetcher(t, newSource(), Ladder{1000, 100, 1}, nil)
			left, err := f.Fetch(context.Background(), task(1, cut))
			require.NoError(t, err)
			right, err := f.Fetch(context.Background(), task(cut+1, 25000))
			require.NoError(t, err)

			assert.Equal(t, whole, append(left, right...))
		})
	}
}

// ctxSource delegates GetLogs to a function that sees the request context.
type ctxSource struct {
	getLogs func(ctx context.Context, from, to uint64) ([]domain.LogRecord, error)
}

func (s ctxSource) GetLogs(ctx context.Context, address string, topics [][]string, from, to uint64) ([]domain.LogRecord, error) {
	return s.getLogs(ctx, from, to)
}

func TestFetch_FailingSubWindowCancelsSiblings(t *testing.T) {
	logs := syntheticLogs(1, 100, 7)
	var (
		entered   = make(chan struct{}, 3)
		cancelled atomic.Int32
		single    atomic.Int32
	)

	src := ctxSource{getLogs: func(ctx context.Context, from, to uint64) ([]domain.LogRecord, error) {
		switch span := to - from + 1; {
		case span > 25:
			return nil, errors.New("query returned more than 10000 results")
		case span == 25 && from == 1:
			// Fail only once every sibling is in flight.
			for range 3 {
				select {
				case <-entered:
				case <-time.After(5 * time.Second):
				}
			}
			return nil, errors.New("upstream timeout")
		case span == 25:
			entered <- struct{}{}
			select {
			case <-ctx.Done():
				cancelled.Add(1)
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		}
		single.Add(1)
		var out []domain.LogRecord
		for _, l := range logs {
			if l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		return out, nil
	}}

	f := newTestFetcher(t, src, Ladder{100, 25, 1}, nil)
	got, err := f.Fetch(context.Background(), task(1, 100))
	require.NoError(t, err)

	assert.Equal(t, int32(3), cancelled.Load(), "in-flight siblings observe cancellation")
	assert.Equal(t, int32(100), single.Load(), "window steps down to granularity 1")
	assert.Equal(t, logs, got)
}
