package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/rangefetch"
	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
)

// MockClient implements RPCClient for testing
type MockClient struct {
	CallFunc func(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

func (m *MockClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if m.CallFunc != nil {
		return m.CallFunc(ctx, method, params)
	}
	return json.RawMessage("null"), nil
}

func (m *MockClient) BatchCall(ctx context.Context, requests []provider.BatchRequest) ([]provider.BatchResponse, error) {
	return nil, errors.New("not implemented")
}

const erc20ABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":true,"name":"spender","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowanceAt","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"decimals","type":"uint8"},{"name":"flag","type":"bool"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	fromTopic     = "0x000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	toTopic       = "0x000000000000000000000000bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	valueData     = "0x00000000000000000000000000000000000000000000000000000000000003e8"
)

func rawLog(block uint64, index uint) map[string]any {
	return map[string]any{
		"address":          "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"topics":           []string{transferTopic, fromTopic, toTopic},
		"data":             valueData,
		"blockNumber":      fmt.Sprintf("0x%x", block),
		"blockHash":        "0x" + strings.Repeat("11", 32),
		"transactionHash":  "0x" + strings.Repeat("22", 32),
		"transactionIndex": "0x1",
		"logIndex":         fmt.Sprintf("0x%x", index),
		"removed":          false,
	}
}

func TestSource_GetLogs(t *testing.T) {
	mock := &MockClient{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			require.Equal(t, "eth_getLogs", method)
			filter := params[0].(logFilter)
			assert.Equal(t, "0x64", filter.FromBlock)
			assert.Equal(t, "0xc8", filter.ToBlock)
			assert.Equal(t, [][]string{{transferTopic}}, filter.Topics)
			return json.Marshal([]any{rawLog(150, 3)})
		},
	}

	logs, err := NewSource(mock).GetLogs(context.Background(), "0xa0b8", [][]string{{transferTopic}}, 100, 200)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	l := logs[0]
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", l.Address)
	assert.Equal(t, uint64(150), l.BlockNumber)
	assert.Equal(t, uint(3), l.LogIndex)
	assert.Equal(t, uint(1), l.TxIndex)
	assert.Equal(t, valueData, l.Data)
	assert.Equal(t, transferTopic, l.Topic0())
}

func TestSource_GetLogsNullResult(t *testing.T) {
	logs, err := NewSource(&MockClient{}).GetLogs(context.Background(), "0xa0b8", nil, 1, 2)
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestSource_GetLogsResultSetTooLarge(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		oversized bool
	}{
		{"geth style", &provider.RPCError{Code: -32005, Message: "query returned more than 10000 results"}, true},
		{"alchemy style", &provider.RPCError{Code: -32602, Message: "Log response size exceeded. You can make eth_getLogs requests with up to a 2K block range"}, true},
		{"range limit", &provider.RPCError{Code: -32000, Message: "eth_getLogs block range limit exceeded"}, true},
		{"daily quota", &provider.RPCError{Code: -32005, Message: "daily request limit exceeded"}, false},
		{"monthly quota", &provider.RPCError{Code: -32005, Message: "Monthly quota limit exceeded"}, false},
		{"rate limited", &provider.RPCError{Code: -32005, Message: "rate limit exceeded"}, false},
		{"other rpc error", &provider.RPCError{Code: -32000, Message: "header not found"}, false},
		{"transport", errors.New("connection reset by peer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockClient{CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
				return nil, tt.err
			}}
			_, err := NewSource(mock).GetLogs(context.Background(), "0xa0b8", nil, 1, 100000)
			require.Error(t, err)
			assert.Equal(t, tt.oversized, errors.Is(err, rangefetch.ErrResultSetTooLarge))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestSource_LatestBlockAndGetBlock(t *testing.T) {
	mock := &MockClient{
		CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
			switch method {
			case "eth_blockNumber":
				return json.RawMessage(`"0x12d687"`), nil
			case "eth_getBlockByNumber":
				assert.Equal(t, []any{"0x12d687", false}, params)
				return json.Marshal(map[string]any{
					"number":       "0x12d687",
					"hash":         "0xabc123",
					"parentHash":   "0xabc122",
					"timestamp":    "0x65678900",
					"transactions": []any{"0xtx1", "0xtx2", "0xtx3"},
					"gasUsed":      "0x5208",
					"gasLimit":     "0x1c9c380",
					"miner":        "0xminer",
					"size":         "0x220",
				})
			}
			return nil, fmt.Errorf("unexpected method %s", method)
		},
	}
	src := NewSource(mock)

	height, err := src.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), height)

	block, err := src.GetBlock(context.Background(), height)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), block.Number)
	assert.Equal(t, "0xabc123", block.Hash)
	assert.Equal(t, uint64(0x65678900), block.Timestamp)
	assert.Equal(t, uint64(21000), block.GasUsed)
	assert.Equal(t, uint64(30000000), block.GasLimit)
	assert.Equal(t, uint64(544), block.Size)
	assert.Equal(t, 3, block.TransactionCount)
	assert.Equal(t, "0xminer", block.Field("miner"))
}

func TestSource_GetBlockNotFound(t *testing.T) {
	_, err := NewSource(&MockClient{}).GetBlock(context.Background(), 99)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestSource_TraceTransactionRetries(t *testing.T) {
	calls := 0
	mock := &MockClient{CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
		calls++
		assert.Equal(t, "debug_traceTransaction", method)
		cfg := params[1].(map[string]any)
		assert.Equal(t, true, cfg["disableStorage"])
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return json.RawMessage(`{"gas":21000,"failed":false,"structLogs":[]}`), nil
	}}

	src := NewSource(mock).WithTraceRetry(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2})
	trace, err := src.TraceTransaction(context.Background(), "0xdead")
	require.NoError(t, err)
	assert.JSONEq(t, `{"gas":21000,"failed":false,"structLogs":[]}`, string(trace))
	assert.Equal(t, 3, calls)
}

func TestSchemaFromABI_DecodesTransfer(t *testing.T) {
	parsed, err := ParseABIString(erc20ABI)
	require.NoError(t, err)

	schema := SchemaFromABI(parsed)
	assert.Equal(t, 2, schema.Len())

	dec, ok := schema.Lookup(transferTopic)
	require.True(t, ok)
	assert.Equal(t, "Transfer", dec.Name())

	args, err := dec.Decode(domain.LogRecord{
		Topics: []string{transferTopic, fromTopic, toTopic},
		Data:   valueData,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"from":  common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa").Hex(),
		"to":    common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb").Hex(),
		"value": "1000",
	}, args)
}

func TestSchemaFromABI_DecodeErrors(t *testing.T) {
	parsed, err := ParseABIString(erc20ABI)
	require.NoError(t, err)
	dec, _ := SchemaFromABI(parsed).Lookup(transferTopic)

	_, err = dec.Decode(domain.LogRecord{Topics: []string{transferTopic, fromTopic}, Data: valueData})
	assert.Error(t, err, "missing indexed topic")

	_, err = dec.Decode(domain.LogRecord{Topics: []string{transferTopic, fromTopic, toTopic}, Data: "0x"})
	assert.Error(t, err, "missing data")
}

func TestContractCaller_Call(t *testing.T) {
	parsed, err := ParseABIString(erc20ABI)
	require.NoError(t, err)

	supply, err := parsed.Methods["totalSupply"].Outputs.Pack(big.NewInt(1_000_000))
	require.NoError(t, err)

	mock := &MockClient{CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
		require.Equal(t, "eth_call", method)
		msg := params[0].(callMsg)
		assert.Equal(t, "0xtoken", msg.To)
		assert.Equal(t, parsed.Methods["totalSupply"].ID, []byte(msg.Data))
		assert.Equal(t, "0x12c", params[1])
		return json.Marshal(fmt.Sprintf("0x%x", supply))
	}}

	result, err := NewContractCaller(mock, parsed).Call(context.Background(), "0xtoken", "totalSupply", nil, 300)
	require.NoError(t, err)
	assert.Equal(t, "1000000", result)
}

func TestContractCaller_EmptyResultIsTerminal(t *testing.T) {
	parsed, err := ParseABIString(erc20ABI)
	require.NoError(t, err)

	mock := &MockClient{CallFunc: func(ctx context.Context, method string, params []any) (json.RawMessage, error) {
		return json.RawMessage(`"0x"`), nil
	}}
	_, err = NewContractCaller(mock, parsed).Call(context.Background(), "0xtoken", "totalSupply", nil, 1)
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
}

func TestConvertArgs(t *testing.T) {
	parsed, err := ParseABIString(erc20ABI)
	require.NoError(t, err)

	args, err := ConvertArgs(parsed, "allowanceAt", []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "18", "true"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), args[0])
	assert.Equal(t, uint8(18), args[1])
	assert.Equal(t, true, args[2])

	_, err = parsed.Pack("allowanceAt", args...)
	assert.NoError(t, err, "converted args must pack")

	_, err = ConvertArgs(parsed, "allowanceAt", []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "300", "true"})
	assert.Error(t, err, "uint8 overflow")

	_, err = ConvertArgs(parsed, "balanceOf", []string{"not-an-address"})
	assert.Error(t, err)

	_, err = ConvertArgs(parsed, "missing", nil)
	assert.Error(t, err)
}
