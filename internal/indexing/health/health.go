// Package health provides provider health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ProviderHealth contains health metrics for one RPC provider.
type ProviderHealth struct {
	Name        string       `json:"name"`
	Status      SystemStatus `json:"status"`
	Available   bool         `json:"available"`
	CircuitOpen bool         `json:"circuit_open"`
	ErrorRate   float64      `json:"error_rate"`
	LatencyMs   int64        `json:"latency_ms"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus              `json:"system_status"`
	Providers    map[string]ProviderHealth `json:"providers"`
}
