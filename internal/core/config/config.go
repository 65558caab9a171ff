package config

import (
	"time"

	"github.com/vietddude/txflow/internal/checkpoint"
	"github.com/vietddude/txflow/internal/core/domain"
	redisclient "github.com/vietddude/txflow/internal/infra/redis"
	"github.com/vietddude/txflow/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Coordinator  CoordinatorConfig   `yaml:"coordinator"`
	Recovery     RecoveryConfig      `yaml:"recovery"`
	Checkpoint   checkpoint.Config   `yaml:"checkpoint"`
	Janitor      JanitorConfig       `yaml:"janitor"`
	Participants []ParticipantConfig `yaml:"participants"`
	Redis        redisclient.Config  `yaml:"redis"`
	Logging      LoggingConfig       `yaml:"logging"`
	Database     postgres.Config     `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CoordinatorConfig holds transaction coordinator settings.
type CoordinatorConfig struct {
	// DefaultIsolation applies when a transaction is begun without an
	// explicit level: read_committed, repeatable_read or serializable.
	DefaultIsolation string `yaml:"default_isolation"`
}

// Isolation maps the configured level onto the domain type. Empty means
// read committed.
func (c CoordinatorConfig) Isolation() domain.IsolationLevel {
	if c.DefaultIsolation == "" {
		return domain.IsolationReadCommitted
	}
	return domain.IsolationLevel(c.DefaultIsolation)
}

// RecoveryConfig overrides the engine-wide recovery defaults. Zero fields
// keep the built-in values.
type RecoveryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
}

// RetryPolicy merges the configured knobs over the domain defaults.
func (c RecoveryConfig) RetryPolicy() domain.RetryPolicy {
	policy := domain.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		policy.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		policy.MaxDelay = c.MaxDelay
	}
	if c.BackoffMultiplier > 0 {
		policy.BackoffMultiplier = c.BackoffMultiplier
	}
	return policy
}

// BreakerConfig merges the configured knobs over the breaker defaults.
func (c RecoveryConfig) BreakerConfig() domain.CircuitBreakerConfig {
	breaker := domain.DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		breaker.FailureThreshold = c.FailureThreshold
	}
	if c.RecoveryTimeout > 0 {
		breaker.RecoveryTimeout = c.RecoveryTimeout
	}
	return breaker
}

// RecoveryDefaults builds the engine-wide recovery chain with the configured
// overrides applied.
func (c RecoveryConfig) RecoveryDefaults() domain.ErrorRecoveryConfig {
	cfg := domain.DefaultRecoveryConfig()
	cfg.Retry = c.RetryPolicy()
	cfg.CircuitBreaker = c.BreakerConfig()
	return cfg
}

// JanitorConfig holds the retention sweeper settings.
type JanitorConfig struct {
	// Interval between sweeps. Zero disables the janitor.
	Interval time.Duration `yaml:"interval"`
	// ArchiveRetention is how long archived transactions are kept.
	// Zero keeps them forever.
	ArchiveRetention time.Duration `yaml:"archive_retention"`
}

// ParticipantConfig describes one remote participant endpoint.
type ParticipantConfig struct {
	ID          string        `yaml:"id"`
	Endpoint    string        `yaml:"endpoint"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}
