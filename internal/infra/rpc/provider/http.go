package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/indexing/metrics"
)

// HTTPProvider implements Provider for JSON-RPC and REST over HTTP.
type HTTPProvider struct {
	*BaseProvider

	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Uint64
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithRateLimit caps outgoing requests at rps with the given burst. A
// non-positive rps leaves the provider unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *HTTPProvider) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) {
		p.httpClient = c
	}
}

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		BaseProvider: NewBaseProvider(name),
		endpoint:     endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: p.nextID.Add(1)})
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("marshal request: %w", err))
	}

	raw, err := p.post(ctx, method, body)
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		p.RecordFailure()
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, p.rpcFailure(method, resp.Error)
	}

	return resp.Result, nil
}

// BatchCall makes multiple RPC calls in one request. Responses are matched
// to requests by id, so servers may answer out of order.
func (p *HTTPProvider) BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	batch := make([]rpcRequest, len(requests))
	index := make(map[uint64]int, len(requests))
	for i, r := range requests {
		params := r.Params
		if params == nil {
			params = []any{}
		}
		id := p.nextID.Add(1)
		batch[i] = rpcRequest{JSONRPC: "2.0", Method: r.Method, Params: params, ID: id}
		index[id] = i
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("marshal batch: %w", err))
	}

	raw, err := p.post(ctx, "batch", body)
	if err != nil {
		return nil, err
	}

	var batchResp []rpcResponse
	if err := json.Unmarshal(raw, &batchResp); err != nil {
		p.RecordFailure()
		return nil, fmt.Errorf("parse batch response: %w", err)
	}

	responses := make([]BatchResponse, len(requests))
	for i := range responses {
		responses[i] = BatchResponse{Error: fmt.Errorf("missing response for %s", requests[i].Method)}
	}
	for _, r := range batchResp {
		i, ok := index[r.ID]
		if !ok {
			continue
		}
		if r.Error != nil {
			responses[i] = BatchResponse{Error: r.Error}
		} else {
			responses[i] = BatchResponse{Result: r.Result}
		}
	}

	return responses, nil
}

// Get performs a REST GET. path is joined to the endpoint; an empty path
// targets the endpoint itself.
func (p *HTTPProvider) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	target := p.endpoint
	if path != "" {
		target = strings.TrimRight(p.endpoint, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("create request: %w", err))
	}

	label := path
	if label == "" {
		label = "get"
	}
	return p.do(req, label)
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) post(ctx context.Context, method string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, method)
}

// do sends req after the throttle and rate checks and returns the body of a
// 200 response.
func (p *HTTPProvider) do(req *http.Request, method string) ([]byte, error) {
	ctx := req.Context()

	switch p.Monitor.CheckProviderStatus() {
	case StatusThrottled:
		// Sit out the cooldown rather than burning an attempt on it.
		timer := time.NewTimer(p.Monitor.GetRetryAfter())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	case StatusBlocked:
		return nil, retry.Transient(fmt.Errorf("%w, retry after %v", ErrBlocked, p.Monitor.GetRetryAfter()))
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(p.Name, method).Inc()

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.RecordFailure()
		metrics.RPCErrorsTotal.WithLabelValues(p.Name, "transport").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	metrics.RPCLatency.WithLabelValues(p.Name, method).Observe(latency.Seconds())
	if err != nil {
		p.RecordFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		p.Monitor.RecordThrottle(http.StatusTooManyRequests, resp.Header.Get("Retry-After"))
		p.RecordFailure()
		metrics.RPCErrorsTotal.WithLabelValues(p.Name, "throttled").Inc()
		return nil, retry.Transient(fmt.Errorf("%w: rate limited (429)", ErrThrottled))
	case resp.StatusCode == http.StatusForbidden:
		p.Monitor.RecordThrottle(http.StatusForbidden, "")
		p.RecordFailure()
		metrics.RPCErrorsTotal.WithLabelValues(p.Name, "blocked").Inc()
		return nil, retry.Transient(fmt.Errorf("%w: ip blocked (403)", ErrBlocked))
	case resp.StatusCode != http.StatusOK:
		p.RecordFailure()
		metrics.RPCErrorsTotal.WithLabelValues(p.Name, "http").Inc()
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
		if p.Monitor.DetectThrottlePattern(string(body)) {
			p.Monitor.RecordThrottle(http.StatusTooManyRequests, "")
			return nil, retry.Transient(statusErr)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
			return nil, retry.Transient(statusErr)
		}
		return nil, retry.Terminal(statusErr)
	}

	p.RecordSuccess(latency)
	return body, nil
}

// rpcFailure records an error object returned inside a 200 response.
func (p *HTTPProvider) rpcFailure(method string, rpcErr *RPCError) error {
	p.RecordFailure()
	metrics.RPCErrorsTotal.WithLabelValues(p.Name, "rpc").Inc()
	if p.Monitor.DetectThrottlePattern(rpcErr.Message) {
		p.Monitor.RecordThrottle(http.StatusTooManyRequests, "")
		return retry.Transient(fmt.Errorf("%s: %w", method, rpcErr))
	}
	return fmt.Errorf("%s: %w", method, rpcErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// AsRPCError returns the JSON-RPC error inside err, if any.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	ok := errors.As(err, &rpcErr)
	return rpcErr, ok
}
