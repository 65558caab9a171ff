// Package checkpoint persists point-in-time snapshots of workflow execution
// state and restores executions from them after a failure.
//
// # Purpose
//
// A checkpoint is a durable copy of everything an execution needs to resume:
//   - Step states: which steps completed, which were mid-flight
//   - Variables: accumulated workflow data
//   - Position: the step the execution should continue from
//
// # Key Features
//
// Retention - Every create enforces a per-workflow cap (oldest evicted) and
// CleanupOld sweeps checkpoints past the retention horizon.
//
// Automatic Checkpointing - StartAutomatic snapshots an execution on a fixed
// interval until its context is cancelled or StopAutomatic is called.
//
// Recovery Strategies - Latest, Best (most recent snapshot without a recorded
// failure), Specific (by id), or RestartFromBeginning (keep the step list,
// discard all progress).
//
// Validation - Structural checks always run before a restore; semantic checks
// (step references resolve) are opt-in. Invalid checkpoints either fail the
// recovery or fall through to the next candidate.
//
// # Quick Start
//
//	mgr := checkpoint.NewManager(checkpoint.DefaultConfig(), repo, nil, sink)
//
//	// Snapshot an execution
//	cp, _ := mgr.Create(ctx, ectx, map[string]string{"step": "charge"})
//
//	// Or snapshot it every interval
//	mgr.StartAutomatic(ctx, ectx.ExecutionID, func(ctx context.Context) (*checkpoint.ExecutionContext, error) {
//	    return engine.Snapshot(ctx, ectx.ExecutionID)
//	})
//
//	// After a crash, restore the most recent healthy snapshot
//	restored, err := mgr.Recover(ctx, ectx.ExecutionID, checkpoint.RecoveryOptions{
//	    Strategy:             checkpoint.RestoreFromBest,
//	    ValidateCheckpoint:   true,
//	    FallthroughOnInvalid: true,
//	})
//
// # Package Structure
//
//   - manager.go  - Create, retention, automatic checkpoint timers
//   - recovery.go - Strategy selection, validation, context rehydration
package checkpoint

import (
	"context"

	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/infra/storage"
)

// =============================================================================
// Re-exported types from domain package
// =============================================================================

// Checkpoint is a durable snapshot of a workflow execution.
type Checkpoint = domain.WorkflowCheckpoint

// ExecutionContext is the workflow state a checkpoint captures.
type ExecutionContext = domain.WorkflowExecutionContext

// RecoveryOptions selects and configures a recovery strategy.
type RecoveryOptions = domain.RecoveryOptions

// Strategy selects which checkpoint a recovery restores from.
type Strategy = domain.CheckpointRecoveryStrategy

// Strategy constants re-exported for convenience.
const (
	RestoreFromLatest    = domain.RestoreFromLatest
	RestoreFromSpecific  = domain.RestoreFromSpecific
	RestoreFromBest      = domain.RestoreFromBest
	RestartFromBeginning = domain.RestartFromBeginning
)

// =============================================================================
// Constructor functions
// =============================================================================

// NewManager creates a checkpoint manager. The execution repository is
// optional; when present, recovered contexts are persisted through it.
func NewManager(
	cfg Config,
	repo storage.CheckpointRepository,
	executions storage.ExecutionRepository,
	sink emitter.Sink,
) *DefaultManager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if sink == nil {
		sink = emitter.Nop{}
	}
	return &DefaultManager{
		cfg:        cfg,
		repo:       repo,
		executions: executions,
		sink:       sink,
		timers:     make(map[string]context.CancelFunc),
	}
}
