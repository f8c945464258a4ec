package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
)

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionFailover ErrorAction = iota // Provider problem, try the next one
	ActionReturn                      // The request itself failed, stop here
)

// ClassifyError determines the action for a given error. A JSON-RPC error
// object means the provider answered, so another provider would most likely
// give the same answer.
func ClassifyError(err error) ErrorAction {
	if errors.Is(err, context.Canceled) {
		return ActionReturn
	}
	if rpcErr, ok := provider.AsRPCError(err); ok {
		if retry.Classify(err).IsTransient() && isProviderLimit(rpcErr) {
			return ActionFailover
		}
		return ActionReturn
	}
	var statusErr *provider.HTTPStatusError
	if errors.As(err, &statusErr) && !retry.Classify(err).IsTransient() {
		return ActionReturn
	}
	return ActionFailover
}

// isProviderLimit matches errors that say this provider, not the request,
// is the problem.
func isProviderLimit(e *provider.RPCError) bool {
	switch e.Code {
	case -32005, -32029:
		// Limit exceeded, request rate exceeded.
		return true
	}
	return false
}

// failover runs call against each candidate until one succeeds or returns an
// error that another provider would not fix.
func failover[T any](
	ctx context.Context,
	router *Router,
	op string,
	call func(ctx context.Context, p provider.Provider) (T, error),
) (T, error) {
	var zero T
	candidates := router.Candidates()
	if len(candidates) == 0 {
		return zero, retry.Terminal(ErrNoProviders)
	}

	var lastErr error
	for _, p := range candidates {
		start := time.Now()
		result, err := call(ctx, p)
		if err == nil {
			router.RecordSuccess(p.GetName(), time.Since(start))
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		lastErr = err
		if ClassifyError(err) == ActionReturn {
			return zero, err
		}

		router.RecordFailure(p.GetName())
		if len(candidates) > 1 {
			slog.Debug("Provider failed, failing over", "provider", p.GetName(), "op", op, "error", err)
		}
	}

	if len(candidates) == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("all %d providers failed: %w", len(candidates), lastErr)
}

// CallWithFailover makes a JSON-RPC call, failing over between providers.
func CallWithFailover(ctx context.Context, router *Router, method string, params []any) (json.RawMessage, error) {
	return failover(ctx, router, method, func(ctx context.Context, p provider.Provider) (json.RawMessage, error) {
		return p.Call(ctx, method, params)
	})
}

// BatchCallWithFailover sends a batch, failing over between providers.
func BatchCallWithFailover(ctx context.Context, router *Router, requests []provider.BatchRequest) ([]provider.BatchResponse, error) {
	return failover(ctx, router, "batch", func(ctx context.Context, p provider.Provider) ([]provider.BatchResponse, error) {
		return p.BatchCall(ctx, requests)
	})
}

// GetWithFailover performs a REST GET, failing over between providers.
func GetWithFailover(ctx context.Context, router *Router, path string, query url.Values) (json.RawMessage, error) {
	return failover(ctx, router, path, func(ctx context.Context, p provider.Provider) (json.RawMessage, error) {
		return p.Get(ctx, path, query)
	})
}
