package recovery

import (
	"sort"
	"sync"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(operationID string, from, to domain.BreakerState)

// CircuitBreaker guards a single operation id. Closed admits everything and
// counts outcomes; Open rejects until the recovery timeout elapses; HalfOpen
// admits probes, closing on the next success and re-opening on the next
// failure.
//
// Open to HalfOpen happens on the first CanExecute call after the timeout,
// there is no background timer.
type CircuitBreaker struct {
	operationID string
	config      domain.CircuitBreakerConfig

	mu          sync.RWMutex
	state       domain.BreakerState
	consecutive int
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time

	onStateChange StateChangeFunc
}

// NewCircuitBreaker creates a closed breaker for operationID.
func NewCircuitBreaker(operationID string, config domain.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		operationID: operationID,
		config:      config,
		state:       domain.BreakerClosed,
	}
}

// OnStateChange registers the transition observer. Must be set before the
// breaker is shared.
func (b *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	b.onStateChange = fn
}

// CanExecute reports whether a call may proceed. In Open state it also
// performs the timed Open to HalfOpen transition.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	var change *transition
	allowed := true
	switch b.state {
	case domain.BreakerOpen:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			change = b.setState(domain.BreakerHalfOpen)
		} else {
			allowed = false
		}
	case domain.BreakerHalfOpen, domain.BreakerClosed:
	}
	b.mu.Unlock()

	b.notify(change)
	return allowed
}

// RecordSuccess counts a successful call. In HalfOpen it closes the breaker
// and resets all counters.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	var change *transition
	switch b.state {
	case domain.BreakerHalfOpen:
		b.reset()
		change = b.setState(domain.BreakerClosed)
	default:
		b.successes++
		b.consecutive = 0
	}
	b.mu.Unlock()

	b.notify(change)
}

// RecordFailure counts a failed call. It opens the breaker when either the
// consecutive-failure threshold or the failure-rate threshold trips, and
// re-opens immediately from HalfOpen.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	var change *transition
	b.lastFailure = time.Now()
	switch b.state {
	case domain.BreakerHalfOpen:
		b.openedAt = time.Now()
		change = b.setState(domain.BreakerOpen)
	case domain.BreakerClosed:
		b.failures++
		b.consecutive++
		if b.shouldOpen() {
			b.openedAt = time.Now()
			change = b.setState(domain.BreakerOpen)
		}
	case domain.BreakerOpen:
		b.failures++
	}
	b.mu.Unlock()

	b.notify(change)
}

// shouldOpen evaluates the consecutive-count threshold, then the failure-rate
// threshold once enough requests have been observed. Caller holds the lock.
func (b *CircuitBreaker) shouldOpen() bool {
	if b.consecutive >= b.config.FailureThreshold {
		return true
	}
	if b.config.FailureRateThreshold > 0 && b.config.MinimumRequests > 0 {
		requests := b.failures + b.successes
		if requests >= b.config.MinimumRequests {
			return float64(b.failures)/float64(requests) >= b.config.FailureRateThreshold
		}
	}
	return false
}

// State returns the current state without advancing the Open timer.
func (b *CircuitBreaker) State() domain.BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Snapshot returns a point-in-time view of the counters.
func (b *CircuitBreaker) Snapshot() domain.BreakerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.BreakerSnapshot{
		OperationID:     b.operationID,
		State:           b.state,
		FailureCount:    b.failures,
		SuccessCount:    b.successes,
		RequestCount:    b.failures + b.successes,
		LastFailureTime: b.lastFailure,
	}
}

// ForceOpen trips the breaker immediately, regardless of counters.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	var change *transition
	if b.state != domain.BreakerOpen {
		b.openedAt = time.Now()
		change = b.setState(domain.BreakerOpen)
	}
	b.mu.Unlock()

	b.notify(change)
}

// Reset force-closes the breaker and clears counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	var change *transition
	b.reset()
	if b.state != domain.BreakerClosed {
		change = b.setState(domain.BreakerClosed)
	}
	b.mu.Unlock()

	b.notify(change)
}

func (b *CircuitBreaker) reset() {
	b.consecutive = 0
	b.failures = 0
	b.successes = 0
}

type transition struct {
	from, to domain.BreakerState
}

func (b *CircuitBreaker) setState(to domain.BreakerState) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	return &transition{from: from, to: to}
}

// notify runs outside the lock so observers may query the breaker.
func (b *CircuitBreaker) notify(change *transition) {
	if change == nil || b.onStateChange == nil {
		return
	}
	b.onStateChange(b.operationID, change.from, change.to)
}

// BreakerRegistry holds one breaker per operation id, created lazily.
// Status queries dominate, hence the read lock on lookups.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	defaults      domain.CircuitBreakerConfig
	onStateChange StateChangeFunc
}

// NewBreakerRegistry creates a registry whose breakers default to defaults.
func NewBreakerRegistry(defaults domain.CircuitBreakerConfig, onStateChange StateChangeFunc) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:      make(map[string]*CircuitBreaker),
		defaults:      defaults,
		onStateChange: onStateChange,
	}
}

// For returns the breaker for operationID, creating it with config on first
// use. An existing breaker keeps the config it was created with.
func (r *BreakerRegistry) For(operationID string, config domain.CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[operationID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[operationID]; ok {
		return b
	}
	b = NewCircuitBreaker(operationID, config)
	b.OnStateChange(r.onStateChange)
	r.breakers[operationID] = b
	return b
}

// Default returns the breaker for operationID under the registry defaults.
func (r *BreakerRegistry) Default(operationID string) *CircuitBreaker {
	return r.For(operationID, r.defaults)
}

// Get returns the breaker for operationID if one exists.
func (r *BreakerRegistry) Get(operationID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[operationID]
	return b, ok
}

// Snapshots returns a stable-ordered view of every breaker.
func (r *BreakerRegistry) Snapshots() []domain.BreakerSnapshot {
	r.mu.RLock()
	snaps := make([]domain.BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].OperationID < snaps[j].OperationID })
	return snaps
}

// Reset force-closes the breaker for operationID if one exists.
func (r *BreakerRegistry) Reset(operationID string) {
	if b, ok := r.Get(operationID); ok {
		b.Reset()
	}
}
