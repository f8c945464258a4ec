// Package rpc provides the failover RPC client used by every remote source.
//
// The package is organized into sub-packages:
//
//   - provider/ - HTTP provider (JSON-RPC and REST), throttle monitoring
//   - routing/  - provider selection, circuit breaker, failover
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
	"github.com/vietddude/chainfetch/internal/infra/rpc/routing"
)

// ProviderConfig describes one HTTP endpoint.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client is the high-level interface for making RPC calls.
// This is what source adapters should use.
type Client struct {
	router *routing.Router
}

// NewClient creates a client over an existing router.
func NewClient(router *routing.Router) *Client {
	return &Client{router: router}
}

// NewClientFromConfig builds HTTP providers and a router from configs.
func NewClientFromConfig(configs []ProviderConfig) (*Client, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("rpc: %w", routing.ErrNoProviders)
	}

	router := routing.NewRouter()
	for i, cfg := range configs {
		if cfg.URL == "" {
			return nil, fmt.Errorf("rpc: provider %d has no url", i)
		}
		name := cfg.Name
		if name == "" {
			name = fmt.Sprintf("provider-%d", i)
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		router.AddProvider(provider.NewHTTPProvider(name, cfg.URL, timeout, provider.WithRateLimit(cfg.RPS, cfg.Burst)))
	}
	return NewClient(router), nil
}

// Router returns the router behind the client.
func (c *Client) Router() *routing.Router {
	return c.router
}

// Call makes a JSON-RPC call with provider failover.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return routing.CallWithFailover(ctx, c.router, method, params)
}

// CallInto makes a JSON-RPC call and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// BatchCall sends several JSON-RPC calls in one request.
func (c *Client) BatchCall(ctx context.Context, requests []provider.BatchRequest) ([]provider.BatchResponse, error) {
	return routing.BatchCallWithFailover(ctx, c.router, requests)
}

// Get performs a REST GET with provider failover.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return routing.GetWithFailover(ctx, c.router, path, query)
}

// Close releases provider connections.
func (c *Client) Close() error {
	return c.router.Close()
}
