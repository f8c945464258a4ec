package control

import (
	"context"
	"fmt"
	"sort"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/blocks"
	"github.com/vietddude/chainfetch/internal/indexing/paginate"
	"github.com/vietddude/chainfetch/internal/indexing/sampler"
	"github.com/vietddude/chainfetch/internal/infra/chain/evm"
	"github.com/vietddude/chainfetch/internal/infra/sink"
)

// SampleRequest describes a strided read-only call series.
type SampleRequest struct {
	Address  string
	ABIPath  string
	Function string
	Args     []string
	Range    domain.FetchRange
	Stride   uint64
	Output   string
}

// SampleCalls evaluates a contract function at every stride-th block of a
// range and writes the samples that succeeded.
func (a *App) SampleCalls(ctx context.Context, req SampleRequest) error {
	if a.rpc == nil {
		return ErrNoProviders
	}

	contractABI, err := a.loadABI(ctx, req.ABIPath, req.Address)
	if err != nil {
		return err
	}
	args, err := evm.ConvertArgs(contractABI, req.Function, req.Args)
	if err != nil {
		return err
	}

	label := fmt.Sprintf("%s.%s", req.Address, req.Function)
	s := sampler.NewSampler(evm.NewContractCaller(a.rpc, contractABI), sampler.Config{
		Workers:   a.cfg.Sample.Workers,
		TickEvery: a.cfg.Sample.TickEvery,
		Retry:     a.cfg.Sample.Retry,
		Reporter:  a.reporter(label),
	})

	samples, err := s.Sample(ctx, sampler.CallRequest{Target: req.Address, Function: req.Function, Args: args}, req.Range, req.Stride)
	if err != nil {
		return fmt.Errorf("sample %s: %w", label, err)
	}

	items := make([]any, len(samples))
	for i, smp := range samples {
		items[i] = smp
	}
	if err := a.writeAll(ctx, req.Output, sink.Options{Kind: "samples", Label: label}, items); err != nil {
		return err
	}

	a.log.Info("Sampled calls", "function", label, "range", req.Range.String(), "samples", len(samples))
	return nil
}

// TransactionsRequest describes an account transaction listing.
type TransactionsRequest struct {
	Address  string
	Internal bool
	Output   string
}

// FetchTransactions pages through an account's transactions on the explorer.
func (a *App) FetchTransactions(ctx context.Context, req TransactionsRequest) error {
	if a.explorer == nil {
		return fmt.Errorf("no explorer configured")
	}

	mode := domain.RecordModeExternal
	if req.Internal {
		mode = domain.RecordModeInternal
	}

	p := paginate.NewPaginator(a.explorer, paginate.Config{
		PageSize: a.cfg.Paginate.PageSize,
		MaxPages: a.cfg.Paginate.MaxPages,
		Retry:    a.cfg.Paginate.Retry,
		Reporter: a.reporter(req.Address + "." + string(mode)),
	})

	records, err := p.Paginate(ctx, p.Request(req.Address, mode), paginate.KeyForMode(mode))
	if err != nil {
		return fmt.Errorf("fetch transactions %s: %w", req.Address, err)
	}

	items := make([]any, len(records))
	for i, r := range records {
		items[i] = r
	}
	opts := sink.Options{Kind: "transactions", Label: req.Address, Columns: recordColumns(records)}
	if err := a.writeAll(ctx, req.Output, opts, items); err != nil {
		return err
	}

	a.log.Info("Fetched transactions", "address", req.Address, "mode", mode, "count", len(records))
	return nil
}

// recordColumns returns the sorted union of record keys.
func recordColumns(records []domain.Record) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range records {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	if len(cols) == 0 {
		return []string{"hash"}
	}
	sort.Strings(cols)
	return cols
}

// BlocksRequest describes a block export.
type BlocksRequest struct {
	Start       uint64
	End         *uint64 // nil = latest
	Fields      []string
	LogInterval uint64
	Output      string
}

// FetchBlocks exports block header fields for a range.
func (a *App) FetchBlocks(ctx context.Context, req BlocksRequest) error {
	src, err := a.source()
	if err != nil {
		return err
	}

	fields := req.Fields
	if len(fields) == 0 {
		fields = domain.DefaultBlockFields
	}
	interval := req.LogInterval
	if interval == 0 {
		interval = a.cfg.Blocks.LogInterval
	}

	it := blocks.NewIterator(src, blocks.Config{
		Workers:     a.cfg.Blocks.Workers,
		LogInterval: interval,
		Retry:       a.cfg.Blocks.Retry,
		Reporter:    a.reporter("blocks"),
	})

	rng, err := it.Resolve(ctx, req.Start, req.End)
	if err != nil {
		return err
	}

	out, err := a.openSink(ctx, req.Output, sink.Options{Kind: "blocks", Columns: fields})
	if err != nil {
		return err
	}

	err = it.Iterate(ctx, rng, func(b domain.Block) error {
		return out.Write(ctx, &b)
	})
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("fetch blocks %s: %w", rng, err)
	}

	a.log.Info("Fetched blocks", "range", rng.String(), "count", rng.Size())
	return nil
}

// TraceTransaction writes the debug trace of one transaction.
func (a *App) TraceTransaction(ctx context.Context, hash, output string) error {
	src, err := a.source()
	if err != nil {
		return err
	}
	trace, err := src.WithTraceRetry(a.cfg.Retry).TraceTransaction(ctx, hash)
	if err != nil {
		if retry.IsExhausted(err) {
			a.log.Error("Trace failed after retries", "hash", hash)
		}
		return err
	}
	return a.writeAll(ctx, output, sink.Options{Kind: "traces", Label: hash}, []any{trace})
}

func (a *App) writeAll(ctx context.Context, target string, opts sink.Options, items []any) error {
	out, err := a.openSink(ctx, target, opts)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := out.Write(ctx, item); err != nil {
			_ = out.Close()
			return err
		}
	}
	return out.Close()
}
