package domain

// CallSample is the result of a contract call at one block height.
type CallSample struct {
	BlockHeight uint64 `json:"blockNumber"`
	Result      any    `json:"result"`
}
