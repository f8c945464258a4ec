package evm

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainfetch/internal/core/retry"
)

// ContractCaller evaluates read-only contract functions with eth_call.
type ContractCaller struct {
	client RPCClient
	abi    abi.ABI
}

// NewContractCaller creates a caller for contracts implementing contractABI.
func NewContractCaller(client RPCClient, contractABI abi.ABI) *ContractCaller {
	return &ContractCaller{client: client, abi: contractABI}
}

type callMsg struct {
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

// Call packs function(args...), runs eth_call against target as of block and
// unpacks the outputs. A single output is returned bare, several as a slice.
func (c *ContractCaller) Call(ctx context.Context, target, function string, args []any, block uint64) (any, error) {
	data, err := c.abi.Pack(function, args...)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("pack %s: %w", function, err))
	}

	raw, err := c.client.Call(ctx, "eth_call", callMsg{To: target, Data: data}, toBlockNumArg(block))
	if err != nil {
		return nil, fmt.Errorf("eth_call %s at %d: %w", function, block, err)
	}

	var out hexutil.Bytes
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}

	values, err := c.abi.Unpack(function, out)
	if err != nil {
		// Usually an empty result: the contract did not exist at this height.
		return nil, retry.Terminal(fmt.Errorf("unpack %s at %d: %w", function, block, err))
	}

	if len(values) == 1 {
		return normalizeValue(values[0]), nil
	}
	normalized := make([]any, len(values))
	for i, v := range values {
		normalized[i] = normalizeValue(v)
	}
	return normalized, nil
}

// ConvertArgs parses textual arguments into the Go values abi.Pack expects
// for function's inputs.
func ConvertArgs(contractABI abi.ABI, function string, raw []string) ([]any, error) {
	method, ok := contractABI.Methods[function]
	if !ok {
		return nil, fmt.Errorf("function %q not found in abi", function)
	}
	if len(raw) != len(method.Inputs) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", function, len(method.Inputs), len(raw))
	}

	out := make([]any, len(raw))
	for i, input := range method.Inputs {
		v, err := convertArg(input.Type, strings.TrimSpace(raw[i]))
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s %s): %w", i, input.Type.String(), input.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

var bigIntType = reflect.TypeOf(&big.Int{})

func convertArg(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.StringTy:
		return s, nil
	case abi.BytesTy:
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("value longer than %d bytes", t.Size)
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		goType := t.GetType()
		if goType == bigIntType {
			return n, nil
		}
		v := reflect.New(goType).Elem()
		if t.T == abi.UintTy {
			if n.Sign() < 0 || !n.IsUint64() || v.OverflowUint(n.Uint64()) {
				return nil, fmt.Errorf("%s out of range for %s", s, t.String())
			}
			v.SetUint(n.Uint64())
		} else {
			if !n.IsInt64() || v.OverflowInt(n.Int64()) {
				return nil, fmt.Errorf("%s out of range for %s", s, t.String())
			}
			v.SetInt(n.Int64())
		}
		return v.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported argument type %s", t.String())
}
