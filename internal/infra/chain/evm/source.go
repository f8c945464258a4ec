package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
)

// ErrBlockNotFound is returned for heights the node does not have yet.
var ErrBlockNotFound = errors.New("block not found")

// Source reads logs, blocks and traces from one JSON-RPC endpoint set.
type Source struct {
	client      RPCClient
	traceRetry  retry.Policy
	traceConfig map[string]any
	log         *slog.Logger
}

// NewSource creates a source over client.
func NewSource(client RPCClient) *Source {
	return &Source{
		client: client,
		traceRetry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		traceConfig: map[string]any{
			"disableStorage": true,
			"disableMemory":  true,
			"enableMemory":   false,
		},
		log: slog.Default().With("component", "evm"),
	}
}

// WithTraceRetry replaces the retry policy used by TraceTransaction.
func (s *Source) WithTraceRetry(p retry.Policy) *Source {
	s.traceRetry = p
	return s
}

// LatestBlock returns the current head height.
func (s *Source) LatestBlock(ctx context.Context) (uint64, error) {
	raw, err := s.client.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber failed: %w", err)
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid block number response: %w", err)
	}
	return uint64(n), nil
}

// GetBlock fetches the header fields of block height.
func (s *Source) GetBlock(ctx context.Context, height uint64) (domain.Block, error) {
	raw, err := s.client.Call(ctx, "eth_getBlockByNumber", toBlockNumArg(height), false)
	if err != nil {
		return domain.Block{}, fmt.Errorf("eth_getBlockByNumber %d failed: %w", height, err)
	}
	if isNull(raw) {
		return domain.Block{}, fmt.Errorf("%w: %d", ErrBlockNotFound, height)
	}

	var rawBlock map[string]any
	if err := json.Unmarshal(raw, &rawBlock); err != nil {
		return domain.Block{}, retry.Terminal(fmt.Errorf("invalid block format: %w", err))
	}
	return parseBlock(rawBlock)
}

func parseBlock(raw map[string]any) (domain.Block, error) {
	number, err := parseHexString(getString(raw["number"]))
	if err != nil {
		return domain.Block{}, retry.Terminal(fmt.Errorf("block number: %w", err))
	}

	hexField := func(key string) uint64 {
		v, _ := parseHexString(getString(raw[key]))
		return v
	}

	txCount := 0
	if txs, ok := raw["transactions"].([]any); ok {
		txCount = len(txs)
	}

	return domain.Block{
		Number:           number,
		Hash:             getString(raw["hash"]),
		ParentHash:       getString(raw["parentHash"]),
		Timestamp:        hexField("timestamp"),
		Miner:            getString(raw["miner"]),
		GasUsed:          hexField("gasUsed"),
		GasLimit:         hexField("gasLimit"),
		Size:             hexField("size"),
		TransactionCount: txCount,
		Raw:              raw,
	}, nil
}

// TraceTransaction returns the debug_traceTransaction output for hash with
// memory and storage capture disabled. Failures are retried.
func (s *Source) TraceTransaction(ctx context.Context, hash string) (json.RawMessage, error) {
	trace, err := retry.DoValue(ctx, s.traceRetry, func(ctx context.Context) (json.RawMessage, error) {
		return s.client.Call(ctx, "debug_traceTransaction", hash, s.traceConfig)
	})
	if err != nil {
		return nil, fmt.Errorf("debug_traceTransaction %s: %w", hash, err)
	}
	return trace, nil
}
