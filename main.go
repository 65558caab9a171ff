package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/vietddude/txflow/internal/core/classify"
	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/infra/storage/memory"
	"github.com/vietddude/txflow/internal/participant"
	"github.com/vietddude/txflow/internal/recovery"
	"github.com/vietddude/txflow/internal/rollback"
	"github.com/vietddude/txflow/internal/txn"
)

type demoParticipant struct {
	id string
}

func (p *demoParticipant) ID() string                         { return p.id }
func (p *demoParticipant) Prepare(ctx context.Context) error  { return nil }
func (p *demoParticipant) Commit(ctx context.Context) error   { return nil }
func (p *demoParticipant) Rollback(ctx context.Context) error { return nil }

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}

	ctx := context.Background()

	// 1. Create classifier and event stream
	classifier := classify.New()
	events := emitter.NewChanSink(128)
	dispatcher := emitter.NewDispatcher()
	dispatcher.Register("demo", events)

	// 2. Setup recovery engine
	configs, err := recovery.NewConfigRegistry(domain.DefaultRecoveryConfig(), dispatcher)
	if err != nil {
		log.Fatalf("recovery defaults: %v", err)
	}
	breakers := recovery.NewBreakerRegistry(domain.DefaultCircuitBreakerConfig(), func(op string, from, to domain.BreakerState) {
		fmt.Printf("🔄 Breaker for %s moved %s -> %s\n", op, from, to)
	})
	executor := recovery.NewExecutor(classifier, configs, breakers, nil, dispatcher)

	// 3. Register a fast retry policy for the flaky stock reservation
	fast := domain.DefaultRecoveryConfig()
	fast.Retry = domain.RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	if err := configs.Register(ctx, "reserve-stock", fast); err != nil {
		log.Fatalf("register recovery config: %v", err)
	}

	// 4. Register participants
	registry := participant.NewRegistry()
	_ = registry.Register(&demoParticipant{id: "ledger"})
	_ = registry.Register(&demoParticipant{id: "warehouse"})

	// 5. Create coordinator on in-memory storage
	store := memory.NewMemoryStorage()
	coordinator, err := txn.NewCoordinator(txn.Deps{
		Transactions: memory.NewTransactionRepo(store),
		Rollbacks:    memory.NewRollbackRepo(store),
		Registry:     registry,
		Recovery:     executor,
		Planner:      rollback.NewPlanner(domain.DefaultRollbackConfig()),
		Rollback:     rollback.NewExecutor(dispatcher),
		Classifier:   classifier,
		Sink:         dispatcher,
	})
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}

	fmt.Println("=== Order against a flaky warehouse ===")

	// 6. The reservation refuses twice before succeeding; retry recovery
	// absorbs both failures and the order commits.
	tc, err := coordinator.Begin(ctx, domain.IsolationReadCommitted)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	_ = coordinator.Join(ctx, tc.ID, "ledger", "warehouse")

	calls := 0
	mustAdd(coordinator, ctx, tc.ID, &domain.TransactionOperation{
		ID:            "op-debit",
		Name:          "debit-account",
		ParticipantID: "ledger",
		Actions: &domain.OperationActions{
			Forward: func(ctx context.Context, q domain.QualityLevel) (any, error) {
				return "debited $42", nil
			},
			Inverse: func(ctx context.Context) error {
				fmt.Println("   undo: credited $42 back")
				return nil
			},
		},
	})
	mustAdd(coordinator, ctx, tc.ID, &domain.TransactionOperation{
		ID:            "op-reserve",
		Name:          "reserve-stock",
		ParticipantID: "warehouse",
		DependsOn:     []string{"op-debit"},
		Actions: &domain.OperationActions{
			Forward: func(ctx context.Context, q domain.QualityLevel) (any, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("connection refused")
				}
				return "reserved 1 unit", nil
			},
		},
	})

	if err := coordinator.ExecuteOperations(ctx, tc.ID); err != nil {
		log.Fatalf("execute: %v", err)
	}
	fmt.Printf("reserve-stock succeeded on call %d\n", calls)

	if err := coordinator.Prepare(ctx, tc.ID); err != nil {
		log.Fatalf("prepare: %v", err)
	}
	if err := coordinator.Commit(ctx, tc.ID); err != nil {
		log.Fatalf("commit: %v", err)
	}
	committed, _ := coordinator.Get(ctx, tc.ID)
	fmt.Printf("✅ Transaction %s: %s\n", committed.ID, committed.State)

	fmt.Println()
	fmt.Println("=== Order for a discontinued item ===")

	// 7. A validation failure is not retryable, so the transaction aborts
	// and the debit's inverse runs.
	tc2, err := coordinator.Begin(ctx, domain.IsolationSerializable)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	_ = coordinator.Join(ctx, tc2.ID, "ledger", "warehouse")

	mustAdd(coordinator, ctx, tc2.ID, &domain.TransactionOperation{
		ID:            "op-debit",
		Name:          "debit-account",
		ParticipantID: "ledger",
		Actions: &domain.OperationActions{
			Forward: func(ctx context.Context, q domain.QualityLevel) (any, error) {
				return "debited $17", nil
			},
			Inverse: func(ctx context.Context) error {
				fmt.Println("   undo: credited $17 back")
				return nil
			},
		},
	})
	mustAdd(coordinator, ctx, tc2.ID, &domain.TransactionOperation{
		ID:            "op-reserve",
		Name:          "reserve-discontinued",
		ParticipantID: "warehouse",
		DependsOn:     []string{"op-debit"},
		Actions: &domain.OperationActions{
			Forward: func(ctx context.Context, q domain.QualityLevel) (any, error) {
				return nil, errors.New("invalid item: discontinued")
			},
		},
	})

	if err := coordinator.ExecuteOperations(ctx, tc2.ID); err != nil {
		fmt.Printf("execute failed as expected: %v\n", err)
	}
	aborted, _ := coordinator.Get(ctx, tc2.ID)
	fmt.Printf("↩️  Transaction %s: %s\n", aborted.ID, aborted.State)

	// 8. Show the event trail
	fmt.Println()
	fmt.Println("=== Event trail ===")
	for {
		select {
		case e := <-events.Events():
			fmt.Printf("%-35s tx=%s op=%s\n", e.Type, e.TransactionID, e.OperationID)
		default:
			return
		}
	}
}

func mustAdd(c txn.Coordinator, ctx context.Context, txID string, op *domain.TransactionOperation) {
	if err := c.AddOperation(ctx, txID, op); err != nil {
		log.Fatalf("add operation %s: %v", op.ID, err)
	}
}
