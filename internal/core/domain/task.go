package domain

// FetchTask identifies one contract's event stream over one range.
type FetchTask struct {
	Address string
	Schema  Schema
	Range   FetchRange
	Label   string

	// Topics is an optional positional topic filter forwarded to the source.
	Topics [][]string
}

// DisplayName returns the label, falling back to the address.
func (t FetchTask) DisplayName() string {
	if t.Label != "" {
		return t.Label
	}
	return t.Address
}
