package classify

import (
	"sort"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
)

// PatternOptions tunes cross-error pattern detection.
type PatternOptions struct {
	// RecurrenceThreshold is how many failures of the same operation count
	// as recurring.
	RecurrenceThreshold int
	// CascadeWindow is how close together failures of dependent operations
	// must be to count as cascading.
	CascadeWindow time.Duration
}

// DefaultPatternOptions provides sensible defaults.
func DefaultPatternOptions() PatternOptions {
	return PatternOptions{
		RecurrenceThreshold: 3,
		CascadeWindow:       30 * time.Second,
	}
}

// AnalyzeTransactionErrors aggregates a transaction's error history into
// flags for systemic trouble: the same operation failing repeatedly, failures
// spreading across dependent operations, and participants waiting on each
// other.
func AnalyzeTransactionErrors(tc *domain.TransactionContext, opts PatternOptions) domain.ErrorPatterns {
	var patterns domain.ErrorPatterns
	if tc == nil || len(tc.Errors) == 0 {
		return patterns
	}
	if opts.RecurrenceThreshold <= 0 {
		opts.RecurrenceThreshold = DefaultPatternOptions().RecurrenceThreshold
	}
	if opts.CascadeWindow <= 0 {
		opts.CascadeWindow = DefaultPatternOptions().CascadeWindow
	}

	counts := make(map[string]int)
	for _, e := range tc.Errors {
		if e.OperationID == "" {
			continue
		}
		counts[e.OperationID]++
	}
	for opID, n := range counts {
		if n >= opts.RecurrenceThreshold {
			patterns.Recurring = true
			patterns.HotOperations = append(patterns.HotOperations, opID)
		}
	}
	sort.Strings(patterns.HotOperations)

	patterns.Cascading = cascading(tc, opts.CascadeWindow)
	patterns.DeadlockPotential = deadlockPotential(tc)
	return patterns
}

// cascading reports whether two dependent operations failed within the
// window, i.e. one failure plausibly caused the other.
func cascading(tc *domain.TransactionContext, window time.Duration) bool {
	for i, a := range tc.Errors {
		for _, b := range tc.Errors[i+1:] {
			if a.OperationID == "" || b.OperationID == "" || a.OperationID == b.OperationID {
				continue
			}
			if !dependent(tc, a.OperationID, b.OperationID) {
				continue
			}
			gap := a.OccurredAt.Sub(b.OccurredAt)
			if gap < 0 {
				gap = -gap
			}
			if gap <= window {
				return true
			}
		}
	}
	return false
}

func dependent(tc *domain.TransactionContext, a, b string) bool {
	return reachable(tc, a, b) || reachable(tc, b, a)
}

func reachable(tc *domain.TransactionContext, from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if op, ok := tc.Operations[cur]; ok {
			stack = append(stack, op.DependsOn...)
		}
	}
	return false
}

// deadlockPotential reports an explicit deadlock error, or two participants
// whose failed operations each wait on an operation owned by the other.
func deadlockPotential(tc *domain.TransactionContext) bool {
	waits := make(map[string]map[string]bool)
	for _, e := range tc.Errors {
		if e.Category == domain.CategoryDeadlock {
			return true
		}
		if e.Category != domain.CategoryParticipant || e.OperationID == "" {
			continue
		}
		op, ok := tc.Operations[e.OperationID]
		if !ok {
			continue
		}
		for _, depID := range op.DependsOn {
			dep, ok := tc.Operations[depID]
			if !ok || dep.ParticipantID == op.ParticipantID {
				continue
			}
			if waits[op.ParticipantID] == nil {
				waits[op.ParticipantID] = make(map[string]bool)
			}
			waits[op.ParticipantID][dep.ParticipantID] = true
		}
	}

	for a, targets := range waits {
		for b := range targets {
			if waits[b][a] {
				return true
			}
		}
	}
	return false
}
