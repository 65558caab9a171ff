// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth contains health details for one system component.
type ComponentHealth struct {
	Name    string         `json:"name"`
	Status  SystemStatus   `json:"status"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
}

// Overall aggregates component statuses, worst case wins.
func (r *HealthReport) Overall() SystemStatus {
	status := StatusHealthy
	for _, c := range r.Components {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
