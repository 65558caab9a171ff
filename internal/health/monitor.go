package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/recovery"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// ActiveLister reports the transactions currently in flight.
type ActiveLister interface {
	Active() []string
}

// Monitor aggregates health status from the system's components. Any
// collaborator may be nil; its check is skipped.
type Monitor struct {
	storage     Pinger
	cache       Pinger
	coordinator ActiveLister
	breakers    *recovery.BreakerRegistry

	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(storage, cache Pinger, coordinator ActiveLister, breakers *recovery.BreakerRegistry) *Monitor {
	return &Monitor{
		storage:     storage,
		cache:       cache,
		coordinator: coordinator,
		breakers:    breakers,
	}
}

// CheckHealth builds a health report. Checks are rate limited to once per 10s
// to keep probes from hammering the backing services.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &HealthReport{Components: make(map[string]ComponentHealth)}

	if m.storage != nil {
		c := ComponentHealth{Name: "storage", Status: StatusHealthy}
		if err := m.storage.Health(ctx); err != nil {
			// The coordinator cannot persist anything without storage.
			c.Status = StatusCritical
			c.Error = err.Error()
		}
		report.Components["storage"] = c
	}

	if m.cache != nil {
		c := ComponentHealth{Name: "cache", Status: StatusHealthy}
		if err := m.cache.Health(ctx); err != nil {
			c.Status = StatusDegraded
			c.Error = err.Error()
		}
		report.Components["cache"] = c
	}

	if m.coordinator != nil {
		active := m.coordinator.Active()
		report.Components["coordinator"] = ComponentHealth{
			Name:    "coordinator",
			Status:  StatusHealthy,
			Details: map[string]any{"active_transactions": len(active)},
		}
	}

	if m.breakers != nil {
		c := ComponentHealth{Name: "circuit_breakers", Status: StatusHealthy}
		open := 0
		for _, snap := range m.breakers.Snapshots() {
			if snap.State == domain.BreakerOpen {
				open++
			}
		}
		if open > 0 {
			c.Status = StatusDegraded
		}
		c.Details = map[string]any{"open": open}
		report.Components["circuit_breakers"] = c
	}

	report.SystemStatus = report.Overall()

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
