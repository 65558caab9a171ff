package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	b := NewCircuitBreaker("op-1", domain.CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  50 * time.Millisecond,
	})

	// 1. Four failures keep the breaker closed.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != domain.BreakerClosed {
		t.Fatalf("Expected closed after 4 failures, got %s", got)
	}

	// 2. Fifth consecutive failure opens it.
	b.RecordFailure()
	if got := b.State(); got != domain.BreakerOpen {
		t.Fatalf("Expected open after 5 failures, got %s", got)
	}
	if b.CanExecute() {
		t.Fatal("Expected CanExecute to reject while open")
	}

	// 3. After the recovery timeout the next call goes half-open.
	time.Sleep(60 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("Expected CanExecute to admit a probe after the recovery timeout")
	}
	if got := b.State(); got != domain.BreakerHalfOpen {
		t.Fatalf("Expected half-open, got %s", got)
	}

	// 4. One success closes it again.
	b.RecordSuccess()
	if got := b.State(); got != domain.BreakerClosed {
		t.Fatalf("Expected closed after half-open success, got %s", got)
	}
	snap := b.Snapshot()
	if snap.FailureCount != 0 || snap.RequestCount != 0 {
		t.Errorf("Expected counters reset on close, got %+v", snap)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("op-1", domain.CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	})

	b.RecordFailure()
	if got := b.State(); got != domain.BreakerOpen {
		t.Fatalf("Expected open, got %s", got)
	}

	time.Sleep(30 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("Expected probe admission after timeout")
	}
	b.RecordFailure()
	if got := b.State(); got != domain.BreakerOpen {
		t.Fatalf("Expected re-open on half-open failure, got %s", got)
	}
	if b.CanExecute() {
		t.Fatal("Expected CanExecute to reject after re-opening")
	}
}

func TestCircuitBreaker_FailureRateThreshold(t *testing.T) {
	b := NewCircuitBreaker("op-1", domain.CircuitBreakerConfig{
		FailureThreshold:     100, // count threshold out of reach
		FailureRateThreshold: 0.5,
		MinimumRequests:      10,
		RecoveryTimeout:      time.Minute,
	})

	// 5 successes and 4 failures: 9 requests, below the minimum.
	for i := 0; i < 5; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != domain.BreakerClosed {
		t.Fatalf("Expected closed below minimum requests, got %s", got)
	}

	// 10th request tips the rate to 0.5.
	b.RecordFailure()
	if got := b.State(); got != domain.BreakerOpen {
		t.Fatalf("Expected open at 50%% failure rate, got %s", got)
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := NewCircuitBreaker("op-1", domain.CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != domain.BreakerClosed {
		t.Fatalf("Expected closed, success should break the failure streak, got %s", got)
	}
	b.RecordFailure()
	if got := b.State(); got != domain.BreakerOpen {
		t.Fatalf("Expected open after 3 consecutive failures, got %s", got)
	}
}

func TestCircuitBreaker_StateChangeNotifications(t *testing.T) {
	var mu sync.Mutex
	var changes []string

	b := NewCircuitBreaker("op-1", domain.CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	b.OnStateChange(func(opID string, from, to domain.BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, string(from)+">"+string(to))
	})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.CanExecute()
	b.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(changes) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), changes)
	}
	for i, w := range want {
		if changes[i] != w {
			t.Errorf("Transition %d: expected %s, got %s", i, w, changes[i])
		}
	}
}

func TestCircuitBreaker_ForceOpenAndReset(t *testing.T) {
	b := NewCircuitBreaker("op-1", domain.CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	})

	b.ForceOpen()
	if b.CanExecute() {
		t.Fatal("Expected rejection after ForceOpen")
	}

	b.Reset()
	if got := b.State(); got != domain.BreakerClosed {
		t.Fatalf("Expected closed after Reset, got %s", got)
	}
	if !b.CanExecute() {
		t.Fatal("Expected admission after Reset")
	}
}

func TestBreakerRegistry(t *testing.T) {
	reg := NewBreakerRegistry(domain.DefaultCircuitBreakerConfig(), nil)

	a := reg.For("op-a", domain.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	if again := reg.For("op-a", domain.DefaultCircuitBreakerConfig()); again != a {
		t.Error("Expected the same breaker instance per operation id")
	}

	if _, ok := reg.Get("op-b"); ok {
		t.Error("Get should not create breakers")
	}
	reg.Default("op-b")

	a.RecordFailure()
	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].OperationID != "op-a" || snaps[1].OperationID != "op-b" {
		t.Errorf("Expected snapshots ordered by operation id, got %v", snaps)
	}
	if snaps[0].State != domain.BreakerOpen {
		t.Errorf("Expected op-a open (threshold 1), got %s", snaps[0].State)
	}

	reg.Reset("op-a")
	if a.State() != domain.BreakerClosed {
		t.Error("Expected registry Reset to close the breaker")
	}
}
