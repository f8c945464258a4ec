package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/chainfetch/internal/infra/rpc/provider"
)

// degradedErrorRate is the provider error rate above which it is reported degraded.
const degradedErrorRate = 0.2

// ProviderSet is the view of the router the monitor needs.
type ProviderSet interface {
	Providers() []provider.Provider
	CircuitOpen(name string) bool
}

// Monitor aggregates health status from the RPC providers.
type Monitor struct {
	providers  ProviderSet
	lastCheck  time.Time
	lastReport HealthReport
	mu         sync.RWMutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(providers ProviderSet) *Monitor {
	return &Monitor{providers: providers}
}

// CheckHealth evaluates every provider. The worst provider does not decide
// the system status: the system is critical only when no provider can serve.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		SystemStatus: StatusHealthy,
		Providers:    make(map[string]ProviderHealth),
	}

	serving := 0
	for _, p := range m.providers.Providers() {
		h := p.GetHealth()
		ph := ProviderHealth{
			Name:        p.GetName(),
			Status:      StatusHealthy,
			Available:   h.Available,
			CircuitOpen: m.providers.CircuitOpen(p.GetName()),
			ErrorRate:   h.ErrorRate,
			LatencyMs:   h.Latency.Milliseconds(),
		}

		switch {
		case !ph.Available || ph.CircuitOpen:
			ph.Status = StatusCritical
		case ph.ErrorRate > degradedErrorRate:
			ph.Status = StatusDegraded
			serving++
		default:
			serving++
		}

		if ph.Status != StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
		report.Providers[ph.Name] = ph
	}

	if serving == 0 {
		report.SystemStatus = StatusCritical
	}

	m.mu.Lock()
	m.lastCheck = time.Now()
	m.lastReport = report
	m.mu.Unlock()

	return report
}

// LastReport returns the most recent report and when it was taken.
func (m *Monitor) LastReport() (HealthReport, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport, m.lastCheck
}
