package health

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/recovery"
)

// =============================================================================
// Stubs
// =============================================================================

type stubPinger struct {
	err error
}

func (s *stubPinger) Health(ctx context.Context) error { return s.err }

type stubCoordinator struct {
	active []string
}

func (s *stubCoordinator) Active() []string { return s.active }

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	monitor := NewMonitor(
		&stubPinger{},
		&stubPinger{},
		&stubCoordinator{active: []string{"tx-1", "tx-2"}},
		recovery.NewBreakerRegistry(domain.DefaultCircuitBreakerConfig(), nil),
	)

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if got := report.Components["coordinator"].Details["active_transactions"]; got != 2 {
		t.Errorf("expected 2 active transactions, got %v", got)
	}
}

func TestMonitor_DegradedOnCacheFailure(t *testing.T) {
	monitor := NewMonitor(
		&stubPinger{},
		&stubPinger{err: errors.New("connection refused")},
		nil,
		nil,
	)

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if report.Components["cache"].Error == "" {
		t.Error("expected the cache error to be reported")
	}
}

func TestMonitor_DegradedOnOpenBreaker(t *testing.T) {
	breakers := recovery.NewBreakerRegistry(domain.DefaultCircuitBreakerConfig(), nil)
	breakers.Default("charge-card").ForceOpen()

	monitor := NewMonitor(&stubPinger{}, nil, nil, breakers)

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if got := report.Components["circuit_breakers"].Details["open"]; got != 1 {
		t.Errorf("expected 1 open breaker, got %v", got)
	}
}

func TestMonitor_CriticalOnStorageFailure(t *testing.T) {
	monitor := NewMonitor(
		&stubPinger{err: errors.New("dial tcp: connection refused")},
		&stubPinger{},
		nil,
		nil,
	)

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
}

func TestMonitor_CachesReports(t *testing.T) {
	pinger := &stubPinger{}
	monitor := NewMonitor(pinger, nil, nil, nil)

	first := monitor.CheckHealth(context.Background())

	// Checks are rate limited; a failure inside the window is not observed.
	pinger.err = errors.New("storage down")
	second := monitor.CheckHealth(context.Background())

	if first != second {
		t.Error("expected the cached report inside the rate limit window")
	}
}
