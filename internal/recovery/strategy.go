package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
)

// ConfigRegistry holds named recovery configurations, keyed by operation
// name. Configs are validated at registration, so the executor never sees a
// bad one.
type ConfigRegistry struct {
	mu       sync.RWMutex
	configs  map[string]domain.ErrorRecoveryConfig
	defaults domain.ErrorRecoveryConfig
	sink     emitter.Sink
}

// NewConfigRegistry creates a registry that falls back to defaults for
// unregistered operations.
func NewConfigRegistry(defaults domain.ErrorRecoveryConfig, sink emitter.Sink) (*ConfigRegistry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default recovery config: %w", err)
	}
	if sink == nil {
		sink = emitter.Nop{}
	}
	return &ConfigRegistry{
		configs:  make(map[string]domain.ErrorRecoveryConfig),
		defaults: defaults,
		sink:     sink,
	}, nil
}

// Register validates and stores the config for an operation, replacing any
// previous one.
func (r *ConfigRegistry) Register(ctx context.Context, operation string, cfg domain.ErrorRecoveryConfig) error {
	if operation == "" {
		return fmt.Errorf("%w: operation name required", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("recovery config for %s: %w", operation, err)
	}
	if cfg.Name == "" {
		cfg.Name = operation
	}

	r.mu.Lock()
	r.configs[operation] = cfg
	r.mu.Unlock()

	r.sink.Emit(ctx, domain.NewEvent(domain.EventRecoveryConfigRegistered).
		With("operation", operation).
		With("primary", string(cfg.Primary)))
	return nil
}

// Unregister removes the config for an operation.
func (r *ConfigRegistry) Unregister(ctx context.Context, operation string) bool {
	r.mu.Lock()
	_, ok := r.configs[operation]
	delete(r.configs, operation)
	r.mu.Unlock()

	if ok {
		r.sink.Emit(ctx, domain.NewEvent(domain.EventRecoveryConfigUnregistered).
			With("operation", operation))
	}
	return ok
}

// Lookup returns the registered config for an operation.
func (r *ConfigRegistry) Lookup(operation string) (domain.ErrorRecoveryConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[operation]
	return cfg, ok
}

// Resolve returns the registered config or the registry defaults.
func (r *ConfigRegistry) Resolve(operation string) domain.ErrorRecoveryConfig {
	if cfg, ok := r.Lookup(operation); ok {
		return cfg
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Operations lists registered operation names.
func (r *ConfigRegistry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}

// SelectStrategy resolves the strategy to start the chain with for a
// classified failure: explicit per-category override first, then the
// classifier's recommendation when enabled, then the configured primary.
// A circuit-open failure always starts at fallback.
func SelectStrategy(cfg domain.ErrorRecoveryConfig, info domain.TransactionErrorInfo, err error) domain.RecoveryStrategy {
	if errors.Is(err, domain.ErrCircuitOpen) {
		return domain.StrategyFallback
	}
	if s, ok := cfg.StrategyMap[info.Category]; ok && s != "" {
		return s
	}
	if cfg.UseClassifierRecommendation {
		return strategyForAction(info.Action)
	}
	return cfg.Primary
}

// buildChain orders the strategies to run: the starting strategy, then the
// configured chain minus duplicates.
func buildChain(cfg domain.ErrorRecoveryConfig, start domain.RecoveryStrategy) []domain.RecoveryStrategy {
	chain := make([]domain.RecoveryStrategy, 0, 4)
	seen := make(map[domain.RecoveryStrategy]bool, 4)
	add := func(s domain.RecoveryStrategy) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		chain = append(chain, s)
	}

	add(start)
	for _, s := range cfg.Chain() {
		add(s)
	}
	return chain
}

func strategyForAction(action domain.RecommendedAction) domain.RecoveryStrategy {
	switch action {
	case domain.ActionRetry:
		return domain.StrategyRetry
	case domain.ActionFallback:
		return domain.StrategyFallback
	case domain.ActionDegrade:
		return domain.StrategyDegrade
	case domain.ActionCircuitBreak:
		return domain.StrategyCircuitBreaker
	case domain.ActionCompensate:
		return domain.StrategyCompensate
	case domain.ActionEscalate:
		return domain.StrategyEscalate
	default:
		return domain.StrategyAbort
	}
}

// terminal strategies stop the chain; nothing after them can help.
func terminal(s domain.RecoveryStrategy) bool {
	switch s {
	case domain.StrategyAbort, domain.StrategyEscalate,
		domain.StrategyUserIntervention, domain.StrategyCompensate:
		return true
	default:
		return false
	}
}
