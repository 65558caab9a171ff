package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsTotal tracks finished transactions per outcome
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_transactions_total",
			Help: "Total number of finished transactions",
		},
		[]string{"outcome"},
	)

	// ActiveTransactions tracks transactions currently in flight
	ActiveTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txflow_active_transactions",
			Help: "Number of transactions currently in flight",
		},
	)

	// TransactionDuration tracks begin-to-terminal transaction latency
	TransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txflow_transaction_duration_seconds",
			Help:    "Transaction duration from begin to terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// OperationsTotal tracks executed transaction operations
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_operations_total",
			Help: "Total number of executed transaction operations",
		},
		[]string{"participant", "outcome"},
	)

	// ErrorsClassified tracks classified errors per category and severity
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_errors_classified_total",
			Help: "Total number of errors run through the classifier",
		},
		[]string{"category", "severity"},
	)

	// RecoveryAttempts tracks recovery attempts per strategy and outcome
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_recovery_attempts_total",
			Help: "Total number of recovery attempts",
		},
		[]string{"strategy", "outcome"},
	)

	// RecoveryDuration tracks the latency of whole recovery chains
	RecoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txflow_recovery_duration_seconds",
			Help:    "Recovery chain duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// BreakerTransitions tracks circuit breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "to_state"},
	)

	// RollbacksTotal tracks rollback executions per outcome
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_rollbacks_total",
			Help: "Total number of rollback plan executions",
		},
		[]string{"outcome"},
	)

	// RollbackOperationsTotal tracks individual rollback steps per outcome
	RollbackOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_rollback_operations_total",
			Help: "Total number of executed rollback operations",
		},
		[]string{"outcome"},
	)

	// CheckpointsCreated tracks persisted checkpoints
	CheckpointsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txflow_checkpoints_created_total",
			Help: "Total number of checkpoints persisted",
		},
	)

	// CheckpointsPruned tracks checkpoints deleted by retention
	CheckpointsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txflow_checkpoints_pruned_total",
			Help: "Total number of checkpoints deleted by retention",
		},
	)

	// WorkflowRecoveries tracks checkpoint-based workflow recoveries
	WorkflowRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txflow_workflow_recoveries_total",
			Help: "Total number of workflow recoveries from checkpoints",
		},
		[]string{"strategy", "outcome"},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool cap
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txflow_db_connection_pool_usage",
			Help: "Open database connections as a percentage of the pool cap",
		},
	)
)
