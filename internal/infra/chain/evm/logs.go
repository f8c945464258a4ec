package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/indexing/rangefetch"
	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
)

// Messages providers use when a log query would return too much.
var resultSetTooLargePatterns = []string{
	"query returned more than",
	"response size exceeded",
	"response size should not",
	"log response size exceeded",
	"block range is too wide",
	"block range too large",
	"exceed maximum block range",
	"query exceeds max results",
	"too many logs",
	"range limit exceeded",
	"results limit exceeded",
}

// Throttle and quota messages share words with size refusals ("limit
// exceeded") and take precedence.
var throttlePatterns = []string{
	"rate limit",
	"request limit",
	"request count",
	"quota",
	"too many requests",
	"calls per sec",
}

// IsResultSetTooLarge reports whether err is a provider refusing a query for
// its result size.
func IsResultSetTooLarge(err error) bool {
	rpcErr, ok := provider.AsRPCError(err)
	if !ok {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	for _, p := range throttlePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range resultSetTooLargePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

type logFilter struct {
	Address   string     `json:"address"`
	FromBlock string     `json:"fromBlock"`
	ToBlock   string     `json:"toBlock"`
	Topics    [][]string `json:"topics,omitempty"`
}

// GetLogs calls eth_getLogs for address over [from, to]. Size refusals are
// wrapped with rangefetch.ErrResultSetTooLarge.
func (s *Source) GetLogs(ctx context.Context, address string, topics [][]string, from, to uint64) ([]domain.LogRecord, error) {
	filter := logFilter{
		Address:   address,
		FromBlock: toBlockNumArg(from),
		ToBlock:   toBlockNumArg(to),
		Topics:    topics,
	}

	raw, err := s.client.Call(ctx, "eth_getLogs", filter)
	if err != nil {
		if IsResultSetTooLarge(err) {
			return nil, fmt.Errorf("eth_getLogs %d-%d: %w: %w", from, to, rangefetch.ErrResultSetTooLarge, err)
		}
		return nil, fmt.Errorf("eth_getLogs %d-%d: %w", from, to, err)
	}
	if isNull(raw) {
		return []domain.LogRecord{}, nil
	}

	var logs []types.Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("decode eth_getLogs result: %w", err)
	}

	out := make([]domain.LogRecord, len(logs))
	for i := range logs {
		out[i] = toLogRecord(&logs[i])
	}
	return out, nil
}

func toLogRecord(l *types.Log) domain.LogRecord {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return domain.LogRecord{
		Address:     strings.ToLower(l.Address.Hex()),
		Topics:      topics,
		Data:        hexutil.Encode(l.Data),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash.Hex(),
		TxHash:      l.TxHash.Hex(),
		TxIndex:     l.TxIndex,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}
}
