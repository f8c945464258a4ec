// Package routing handles provider selection and failover.
//
// This package contains:
//   - Router: round-robin provider selection with a circuit breaker
//   - CallWithFailover and friends: try each candidate provider in turn
package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
)

// ErrNoProviders is returned when a router has nothing to route to.
var ErrNoProviders = errors.New("no providers configured")

type providerMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	lastSuccessAt    time.Time
	lastFailureAt    time.Time
	consecutiveFails int
	openUntil        time.Time
}

// Router orders providers for each call. Healthy providers come first in
// round-robin order; providers whose circuit is open are tried last.
type Router struct {
	mu        sync.Mutex
	providers []provider.Provider
	health    map[string]*providerMetrics
	next      int

	breakerThreshold int
	breakerCooldown  time.Duration
	now              func() time.Time
}

// NewRouter creates a router over providers.
func NewRouter(providers ...provider.Provider) *Router {
	r := &Router{
		health:           make(map[string]*providerMetrics),
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		now:              time.Now,
	}
	for _, p := range providers {
		r.AddProvider(p)
	}
	return r
}

// AddProvider registers a provider.
func (r *Router) AddProvider(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)
	r.health[p.GetName()] = &providerMetrics{lastSuccessAt: r.now()}
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}

// Providers returns the registered providers in registration order.
func (r *Router) Providers() []provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provider.Provider(nil), r.providers...)
}

// Candidates returns every provider in the order a call should try them.
func (r *Router) Candidates() []provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.providers)
	if n == 0 {
		return nil
	}

	start := r.next % n
	r.next++

	now := r.now()
	preferred := make([]provider.Provider, 0, n)
	deferred := make([]provider.Provider, 0)
	for i := 0; i < n; i++ {
		p := r.providers[(start+i)%n]
		m := r.health[p.GetName()]
		if now.Before(m.openUntil) || !p.IsAvailable() {
			deferred = append(deferred, p)
			continue
		}
		preferred = append(preferred, p)
	}
	return append(preferred, deferred...)
}

// RecordSuccess records a successful call and closes the provider's circuit.
func (r *Router) RecordSuccess(providerName string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.health[providerName]
	if !ok {
		return
	}
	m.successCount++
	m.totalLatency += latency
	m.lastSuccessAt = r.now()
	m.consecutiveFails = 0
	m.openUntil = time.Time{}
}

// RecordFailure records a failed call. Enough consecutive failures open the
// provider's circuit for the cooldown.
func (r *Router) RecordFailure(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.health[providerName]
	if !ok {
		return
	}
	m.failureCount++
	m.lastFailureAt = r.now()
	m.consecutiveFails++

	if m.consecutiveFails >= r.breakerThreshold {
		m.openUntil = r.now().Add(r.breakerCooldown)
	}
}

// CircuitOpen reports whether calls to providerName are being deferred.
func (r *Router) CircuitOpen(providerName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.health[providerName]
	return ok && r.now().Before(m.openUntil)
}

// Close closes every provider.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
