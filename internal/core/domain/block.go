package domain

import (
	"fmt"
	"strconv"
)

// Block holds the header fields of a block plus its transaction count.
type Block struct {
	Number           uint64
	Hash             string
	ParentHash       string
	Timestamp        uint64
	Miner            string
	GasUsed          uint64
	GasLimit         uint64
	Size             uint64
	TransactionCount int

	// Raw keeps every field returned by the source, keyed by its wire name.
	Raw map[string]any
}

// DefaultBlockFields are the columns exported when none are requested.
var DefaultBlockFields = []string{
	"number",
	"hash",
	"gasUsed",
	"gasLimit",
	"miner",
	"timestamp",
	"sha3Uncles",
	"difficulty",
	"totalDifficulty",
	"size",
	"extraData",
	"receiptsRoot",
	"stateRoot",
	"transactions_count",
}

// Field returns a block field by wire name. Parsed quantities are rendered in
// decimal; anything else comes from Raw.
func (b *Block) Field(name string) string {
	switch name {
	case "number":
		return strconv.FormatUint(b.Number, 10)
	case "hash":
		return b.Hash
	case "parentHash":
		return b.ParentHash
	case "timestamp":
		return strconv.FormatUint(b.Timestamp, 10)
	case "miner":
		return b.Miner
	case "gasUsed":
		return strconv.FormatUint(b.GasUsed, 10)
	case "gasLimit":
		return strconv.FormatUint(b.GasLimit, 10)
	case "size":
		return strconv.FormatUint(b.Size, 10)
	case "transactions_count":
		return strconv.Itoa(b.TransactionCount)
	}
	v, ok := b.Raw[name]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
