// Package evm adapts an Ethereum JSON-RPC endpoint to the log, call, block
// and trace capabilities the fetchers consume.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
)

// RPCClient is the transport the source needs. *rpc.Client implements it.
type RPCClient interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	BatchCall(ctx context.Context, requests []provider.BatchRequest) ([]provider.BatchResponse, error)
}

func toBlockNumArg(number uint64) string {
	return fmt.Sprintf("0x%x", number)
}

func parseHexToBigInt(hexStr string) (*big.Int, error) {
	n := new(big.Int)
	if _, ok := n.SetString(strings.TrimPrefix(hexStr, "0x"), 16); !ok {
		return nil, fmt.Errorf("invalid hex: %s", hexStr)
	}
	return n, nil
}

func parseHexString(hexStr string) (uint64, error) {
	n, err := parseHexToBigInt(hexStr)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("hex out of range: %s", hexStr)
	}
	return n.Uint64(), nil
}

func getString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
