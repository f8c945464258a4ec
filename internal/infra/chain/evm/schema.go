package evm

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"os"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainfetch/internal/core/domain"
)

// LoadABI reads a JSON ABI from path.
func LoadABI(path string) (abi.ABI, error) {
	f, err := os.Open(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("open abi: %w", err)
	}
	defer f.Close()
	return ParseABI(f)
}

// ParseABI parses a JSON ABI.
func ParseABI(r io.Reader) (abi.ABI, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

// ParseABIString parses a JSON ABI held in memory.
func ParseABIString(s string) (abi.ABI, error) {
	return ParseABI(bytes.NewReader([]byte(s)))
}

// SchemaFromABI builds the topic0 lookup table for every non-anonymous event
// of contractABI.
func SchemaFromABI(contractABI abi.ABI) domain.Schema {
	decoders := make(map[string]domain.EventDecoder, len(contractABI.Events))
	for _, ev := range contractABI.Events {
		if ev.Anonymous {
			continue
		}
		decoders[strings.ToLower(ev.ID.Hex())] = eventDecoder{event: ev}
	}
	return domain.NewSchema(decoders)
}

type eventDecoder struct {
	event abi.Event
}

func (d eventDecoder) Name() string {
	return d.event.Name
}

// Decode unpacks indexed arguments from topics and the rest from data.
func (d eventDecoder) Decode(l domain.LogRecord) (map[string]any, error) {
	var indexed abi.Arguments
	for _, arg := range d.event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("%s: expected %d topics, got %d", d.event.Name, len(indexed)+1, len(l.Topics))
	}

	topics := make([]common.Hash, len(indexed))
	for i, t := range l.Topics[1:] {
		b, err := hexutil.Decode(t)
		if err != nil {
			return nil, fmt.Errorf("%s: topic %d: %w", d.event.Name, i+1, err)
		}
		topics[i] = common.BytesToHash(b)
	}

	args := make(map[string]any, len(d.event.Inputs))
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, topics); err != nil {
			return nil, fmt.Errorf("%s: indexed args: %w", d.event.Name, err)
		}
	}

	data, err := hexutil.Decode(emptyHex(l.Data))
	if err != nil {
		return nil, fmt.Errorf("%s: data: %w", d.event.Name, err)
	}
	if err := d.event.Inputs.UnpackIntoMap(args, data); err != nil {
		return nil, fmt.Errorf("%s: data args: %w", d.event.Name, err)
	}

	for k, v := range args {
		args[k] = normalizeValue(v)
	}
	return args, nil
}

func emptyHex(s string) string {
	if s == "" {
		return "0x"
	}
	return s
}

// normalizeValue turns ABI values into JSON-friendly ones: integers become
// decimal strings, addresses checksummed hex, byte arrays 0x-prefixed hex.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case string, bool:
		return x
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		return fmt.Sprint(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag := field.Tag.Get("json"); tag != "" {
				name = strings.Split(tag, ",")[0]
			}
			out[name] = normalizeValue(rv.Field(i).Interface())
		}
		return out
	}
	return v
}
