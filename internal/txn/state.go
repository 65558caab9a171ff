package txn

import (
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// State is an alias for domain.TxState for internal use.
type State = domain.TxState

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
// Committed and Aborted are terminal and have no entries.
var ValidTransitions = map[State][]State{
	domain.TxStateCreated:    {domain.TxStateActive, domain.TxStateAborting},
	domain.TxStateActive:     {domain.TxStatePreparing, domain.TxStateAborting},
	domain.TxStatePreparing:  {domain.TxStatePrepared, domain.TxStateAborting},
	domain.TxStatePrepared:   {domain.TxStateCommitting, domain.TxStateAborting},
	domain.TxStateCommitting: {domain.TxStateCommitted, domain.TxStateAborting},
	domain.TxStateAborting:   {domain.TxStateAborted},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.TxStateCreated:
		return "Created - context allocated, not yet accepting operations"
	case domain.TxStateActive:
		return "Active - accepting and executing operations"
	case domain.TxStatePreparing:
		return "Preparing - collecting participant votes"
	case domain.TxStatePrepared:
		return "Prepared - all participants voted yes"
	case domain.TxStateCommitting:
		return "Committing - making participant work durable"
	case domain.TxStateCommitted:
		return "Committed - terminal, all effects visible"
	case domain.TxStateAborting:
		return "Aborting - rolling back applied operations"
	case domain.TxStateAborted:
		return "Aborted - terminal, effects undone"
	default:
		return "Unknown state"
	}
}
