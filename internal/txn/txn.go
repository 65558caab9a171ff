// Package txn coordinates multi-participant transactions.
//
// # Purpose
//
// The coordinator owns the transaction context from begin to terminal state:
//   - Operations: a DAG of forward actions executed through the recovery engine
//   - Participants: resource managers driven through prepare/commit/rollback
//   - State: a strict lifecycle that only moves forward
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	ACTIVE → PREPARING → PREPARED → COMMITTING → COMMITTED (happy path)
//	COMMITTED → ABORTING (invalid - terminal states never move)
//
// Guarded Execution - Every forward action runs through the recovery
// executor, so transient failures are retried, degraded or compensated
// before the coordinator ever sees them.
//
// Automatic Rollback - A failure that survives recovery aborts the
// transaction: applied operations are undone in reverse dependency order and
// participants are rolled back in reverse registration order.
//
// Isolation - Above read committed, participants are locked at prepare time
// and released only when the transaction reaches a terminal state.
//
// # Quick Start
//
//	coord, _ := txn.NewCoordinator(txn.Deps{
//	    Transactions: repo,
//	    Registry:     registry,
//	    Recovery:     recoveryExec,
//	})
//
//	tc, _ := coord.Begin(ctx, domain.IsolationReadCommitted)
//
//	coord.AddOperation(ctx, tc.ID, &domain.TransactionOperation{
//	    ID:            "install-pkg",
//	    ParticipantID: "installer",
//	    Actions:       actions,
//	})
//
//	if err := coord.ExecuteOperations(ctx, tc.ID); err != nil {
//	    return err // already aborted and rolled back
//	}
//	coord.Prepare(ctx, tc.ID)
//	coord.Commit(ctx, tc.ID)
//
// # Package Structure
//
//   - state.go       - State machine definitions and valid transitions
//   - coordinator.go - Coordinator implementation with 2PC and auto-abort
//   - locks.go       - Per-participant lock table for isolation
package txn

import (
	"errors"

	"github.com/vietddude/txflow/internal/core/classify"
	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/infra/storage"
	"github.com/vietddude/txflow/internal/participant"
	"github.com/vietddude/txflow/internal/recovery"
	"github.com/vietddude/txflow/internal/rollback"
)

// State constants re-exported for convenience.
const (
	StateCreated    = domain.TxStateCreated
	StateActive     = domain.TxStateActive
	StatePreparing  = domain.TxStatePreparing
	StatePrepared   = domain.TxStatePrepared
	StateCommitting = domain.TxStateCommitting
	StateCommitted  = domain.TxStateCommitted
	StateAborting   = domain.TxStateAborting
	StateAborted    = domain.TxStateAborted
)

// Deps wires the coordinator's collaborators. Transactions and Recovery are
// required; everything else gets a working default.
type Deps struct {
	// Transactions persists transaction documents.
	Transactions storage.TransactionRepository

	// Rollbacks persists rollback plans and results for audit. Optional.
	Rollbacks storage.RollbackRepository

	// Registry resolves participant ids to resource managers.
	Registry *participant.Registry

	// Recovery drives forward actions through retry/fallback/degradation.
	Recovery *recovery.Executor

	// Planner builds rollback plans over executed operations.
	Planner *rollback.Planner

	// Rollback executes rollback plans.
	Rollback *rollback.Executor

	// Classifier maps failures to categories for the audit trail.
	Classifier *classify.Classifier

	// Sink receives lifecycle events.
	Sink emitter.Sink

	// Locks serializes participant access for serialized isolation. Defaults
	// to an in-process lock table; multi-node deployments supply a
	// distributed provider.
	Locks Locker

	// DefaultIsolation applies when Begin is called with an empty level.
	// Defaults to read committed.
	DefaultIsolation domain.IsolationLevel
}

// NewCoordinator creates a coordinator with the given dependencies.
func NewCoordinator(d Deps) (*DefaultCoordinator, error) {
	if d.Transactions == nil {
		return nil, errors.New("transaction repository is required")
	}
	if d.Recovery == nil {
		return nil, errors.New("recovery executor is required")
	}
	if d.Registry == nil {
		d.Registry = participant.NewRegistry()
	}
	if d.Classifier == nil {
		d.Classifier = classify.New()
	}
	if d.Sink == nil {
		d.Sink = emitter.Nop{}
	}
	if d.Planner == nil {
		d.Planner = rollback.NewPlanner(domain.DefaultRollbackConfig())
	}
	if d.Rollback == nil {
		d.Rollback = rollback.NewExecutor(d.Sink)
	}
	if d.Locks == nil {
		d.Locks = newLockTable()
	}
	if d.DefaultIsolation == "" {
		d.DefaultIsolation = domain.IsolationReadCommitted
	}

	return &DefaultCoordinator{
		repo:       d.Transactions,
		audit:      d.Rollbacks,
		registry:   d.Registry,
		recovery:   d.Recovery,
		planner:    d.Planner,
		rollback:   d.Rollback,
		classifier: d.Classifier,
		sink:       d.Sink,
		locks:      d.Locks,
		isolation:  d.DefaultIsolation,
		active:     make(map[string]*txHandle),
	}, nil
}
