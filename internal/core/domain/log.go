package domain

import "strings"

// LogRecord is a contract event log as returned by a source. Event and Args
// are only set when the record's topic0 matched a known event.
type LogRecord struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	TxHash      string   `json:"transactionHash"`
	TxIndex     uint     `json:"transactionIndex"`
	LogIndex    uint     `json:"logIndex"`
	Removed     bool     `json:"removed"`

	Event string         `json:"event,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// Topic0 returns the event discriminator, lowercased, or "" for anonymous logs.
func (l LogRecord) Topic0() string {
	if len(l.Topics) == 0 {
		return ""
	}
	return strings.ToLower(l.Topics[0])
}

// Before orders logs by (BlockNumber, LogIndex).
func (l LogRecord) Before(other LogRecord) bool {
	if l.BlockNumber != other.BlockNumber {
		return l.BlockNumber < other.BlockNumber
	}
	return l.LogIndex < other.LogIndex
}

// EventDecoder turns a raw log into named arguments.
type EventDecoder interface {
	Name() string
	Decode(log LogRecord) (map[string]any, error)
}

// Schema is an immutable topic0 -> decoder lookup table. It is built once per
// task and shared by every worker of that task.
type Schema struct {
	byTopic map[string]EventDecoder
}

// NewSchema copies decoders into a new Schema. Topic keys are lowercased.
func NewSchema(decoders map[string]EventDecoder) Schema {
	byTopic := make(map[string]EventDecoder, len(decoders))
	for topic, dec := range decoders {
		byTopic[strings.ToLower(topic)] = dec
	}
	return Schema{byTopic: byTopic}
}

// Lookup returns the decoder registered for topic0.
func (s Schema) Lookup(topic0 string) (EventDecoder, bool) {
	dec, ok := s.byTopic[strings.ToLower(topic0)]
	return dec, ok
}

// Len returns the number of known events.
func (s Schema) Len() int {
	return len(s.byTopic)
}
