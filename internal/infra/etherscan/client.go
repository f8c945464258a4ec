// Package etherscan reads account transaction lists and verified contract
// ABIs from an Etherscan-compatible explorer API.
package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/infra/chain/evm"
)

// ErrNotVerified is returned by FetchABI for contracts without published source.
var ErrNotVerified = errors.New("contract source not verified")

// Getter issues GET requests against the explorer endpoint. *rpc.Client
// implements it.
type Getter interface {
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
}

// Client wraps the explorer's account and contract modules.
type Client struct {
	getter Getter
	apiKey string
}

// NewClient creates a client. apiKey may be empty for keyless endpoints.
func NewClient(getter Getter, apiKey string) *Client {
	return &Client{getter: getter, apiKey: apiKey}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// GetPage returns one ascending page of target's transactions. External mode
// lists normal transactions, internal mode lists internal message calls.
func (c *Client) GetPage(ctx context.Context, target string, cursor domain.PaginationCursor, mode domain.RecordMode) ([]domain.Record, error) {
	action := "txlist"
	if mode == domain.RecordModeInternal {
		action = "txlistinternal"
	}

	query := url.Values{}
	query.Set("module", "account")
	query.Set("action", action)
	query.Set("address", target)
	query.Set("page", strconv.Itoa(cursor.Page))
	query.Set("offset", strconv.Itoa(cursor.PageSize))
	query.Set("sort", "asc")

	env, err := c.get(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s page %d: %w", action, cursor.Page, err)
	}

	if env.Status != "1" {
		if isEmptyResult(env) {
			return []domain.Record{}, nil
		}
		return nil, fmt.Errorf("%s page %d: %w", action, cursor.Page, envelopeError(env))
	}

	var records []domain.Record
	if err := json.Unmarshal(env.Result, &records); err != nil {
		return nil, retry.Terminal(fmt.Errorf("decode %s result: %w", action, err))
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, nil
}

// FetchABI downloads the verified ABI of address.
func (c *Client) FetchABI(ctx context.Context, address string) (abi.ABI, error) {
	query := url.Values{}
	query.Set("module", "contract")
	query.Set("action", "getabi")
	query.Set("address", address)

	env, err := c.get(ctx, query)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("getabi %s: %w", address, err)
	}
	if env.Status != "1" {
		if strings.Contains(strings.ToLower(resultText(env)), "not verified") {
			return abi.ABI{}, fmt.Errorf("%s: %w", address, ErrNotVerified)
		}
		return abi.ABI{}, fmt.Errorf("getabi %s: %w", address, envelopeError(env))
	}

	// The ABI itself is a JSON document encoded as a string.
	var text string
	if err := json.Unmarshal(env.Result, &text); err != nil {
		return abi.ABI{}, retry.Terminal(fmt.Errorf("decode getabi result: %w", err))
	}
	return evm.ParseABIString(text)
}

func (c *Client) get(ctx context.Context, query url.Values) (envelope, error) {
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	raw, err := c.getter.Get(ctx, "", query)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, retry.Terminal(fmt.Errorf("decode response: %w", err))
	}
	return env, nil
}

func isEmptyResult(env envelope) bool {
	return strings.HasPrefix(strings.ToLower(env.Message), "no transactions found") ||
		strings.HasPrefix(strings.ToLower(env.Message), "no records found")
}

func resultText(env envelope) string {
	var s string
	if err := json.Unmarshal(env.Result, &s); err == nil {
		return s
	}
	return string(env.Result)
}

// envelopeError classifies an explorer-level failure. Rate limits and
// timeouts are transient, everything else (bad key, bad address) is terminal.
func envelopeError(env envelope) error {
	msg := resultText(env)
	if msg == "" {
		msg = env.Message
	}
	err := fmt.Errorf("explorer: %s: %s", env.Message, msg)

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "timeout") || strings.Contains(lower, "try again") {
		return retry.Transient(err)
	}
	return retry.Terminal(err)
}
