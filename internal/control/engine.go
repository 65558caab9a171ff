package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/txflow/internal/checkpoint"
	"github.com/vietddude/txflow/internal/core/classify"
	"github.com/vietddude/txflow/internal/core/config"
	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/core/worker"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/health"
	redisclient "github.com/vietddude/txflow/internal/infra/redis"
	rpcclient "github.com/vietddude/txflow/internal/infra/rpc"
	"github.com/vietddude/txflow/internal/infra/storage"
	"github.com/vietddude/txflow/internal/infra/storage/memory"
	"github.com/vietddude/txflow/internal/infra/storage/postgres"
	"github.com/vietddude/txflow/internal/metrics"
	"github.com/vietddude/txflow/internal/participant"
	"github.com/vietddude/txflow/internal/recovery"
	"github.com/vietddude/txflow/internal/rollback"
	"github.com/vietddude/txflow/internal/txn"

	"github.com/pressly/goose/v3"
)

// Engine owns the whole coordination stack and its lifecycle.
type Engine struct {
	cfg          Config
	coordinator  *txn.DefaultCoordinator
	checkpoints  *checkpoint.DefaultManager
	recovery     *recovery.Executor
	configs      *recovery.ConfigRegistry
	registry     *participant.Registry
	dispatcher   *emitter.Dispatcher
	janitor      *worker.Janitor
	healthMon    *health.Monitor
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	rpcClients   []*rpcclient.Client
	log          *slog.Logger
}

// Config holds the application configuration.
type Config struct {
	Port          int
	Coordinator   config.CoordinatorConfig
	Recovery      config.RecoveryConfig
	Checkpoint    checkpoint.Config
	Janitor       config.JanitorConfig
	Participants  []config.ParticipantConfig
	ResumeEnabled bool
	Redis         redisclient.Config
	Database      postgres.Config
}

// NewEngine creates an Engine with all dependencies initialized.
func NewEngine(cfg Config) (*Engine, error) {

	// 1. Initialize Storage
	var transactions storage.TransactionRepository
	var checkpoints storage.CheckpointRepository
	var executions storage.ExecutionRepository
	var rollbacks storage.RollbackRepository
	var recoveries storage.RecoveryRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		// Note: Goose needs the direct *sql.DB that sqlx wraps
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		transactions = postgres.NewTransactionRepo(db)
		checkpoints = postgres.NewCheckpointRepo(db)
		executions = postgres.NewExecutionRepo(db)
		rollbacks = postgres.NewRollbackRepo(db)
		recoveries = postgres.NewRecoveryRepo(db)

		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		transactions = memory.NewTransactionRepo(store)
		checkpoints = memory.NewCheckpointRepo(store)
		executions = memory.NewExecutionRepo(store)
		rollbacks = memory.NewRollbackRepo(store)
		recoveries = memory.NewRecoveryRepo(store)

		slog.Info("Using Memory storage")
	}

	// 2. Initialize Event Dispatch
	dispatcher := emitter.NewDispatcher()
	dispatcher.Register("log", emitter.NewLogSink(slog.Default()))

	var redisClient *redisclient.Client
	var locks txn.Locker
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, distributed features disabled", "error", err)
		} else {
			dispatcher.Register("redis", redisclient.NewPublisher(redisClient, ""))
			locks = redisclient.NewLocks(redisClient, 0)
		}
	}

	// 3. Initialize Recovery Engine
	classifier := classify.New()

	configs, err := recovery.NewConfigRegistry(cfg.Recovery.RecoveryDefaults(), dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to build recovery defaults: %w", err)
	}

	breakers := recovery.NewBreakerRegistry(cfg.Recovery.BreakerConfig(), func(operationID string, from, to domain.BreakerState) {
		metrics.BreakerTransitions.WithLabelValues(operationID, string(to)).Inc()
		ev := domain.NewEvent(domain.EventBreakerStateChanged)
		ev.OperationID = operationID
		ev.With("from", string(from)).With("to", string(to))
		_ = dispatcher.Emit(context.Background(), ev)
	})

	executor := recovery.NewExecutor(classifier, configs, breakers, nil, dispatcher)
	executor.SetAudit(recoveries)

	// 4. Initialize Participants
	registry := participant.NewRegistry()
	var rpcClients []*rpcclient.Client
	for _, p := range cfg.Participants {
		client, err := rpcclient.NewClient(context.Background(), rpcclient.Config{
			Endpoint:    p.Endpoint,
			CallTimeout: p.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect participant %s: %w", p.ID, err)
		}
		rpcClients = append(rpcClients, client)

		if err := registry.Register(rpcclient.NewParticipant(p.ID, client)); err != nil {
			return nil, fmt.Errorf("failed to register participant %s: %w", p.ID, err)
		}
		slog.Info("Remote participant registered", "participant_id", p.ID, "endpoint", p.Endpoint)
	}

	// 5. Initialize Coordinator
	coordinator, err := txn.NewCoordinator(txn.Deps{
		Transactions:     transactions,
		Rollbacks:        rollbacks,
		Registry:         registry,
		Recovery:         executor,
		Planner:          rollback.NewPlanner(domain.DefaultRollbackConfig()),
		Rollback:         rollback.NewExecutor(dispatcher),
		Classifier:       classifier,
		Sink:             dispatcher,
		Locks:            locks,
		DefaultIsolation: cfg.Coordinator.Isolation(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	// 6. Initialize Checkpointing + Janitor
	checkpointMgr := checkpoint.NewManager(cfg.Checkpoint, checkpoints, executions, dispatcher)
	janitor := worker.NewJanitor(cfg.Janitor, transactions, checkpointMgr)

	// 7. Initialize Health Monitor
	var storagePinger, cachePinger health.Pinger
	if db != nil {
		storagePinger = db
	}
	if redisClient != nil {
		cachePinger = redisClient
	}
	healthMon := health.NewMonitor(storagePinger, cachePinger, coordinator, breakers)
	healthServer := health.NewServer(healthMon, cfg.Port)

	return &Engine{
		cfg:          cfg,
		coordinator:  coordinator,
		checkpoints:  checkpointMgr,
		recovery:     executor,
		configs:      configs,
		registry:     registry,
		dispatcher:   dispatcher,
		janitor:      janitor,
		healthMon:    healthMon,
		healthServer: healthServer,
		db:           db,
		redisClient:  redisClient,
		rpcClients:   rpcClients,
		log:          slog.Default(),
	}, nil
}

// Start brings the engine online: health surface, metrics, retention sweeps,
// and re-adoption of transactions a previous process left unfinished.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		if err := e.healthServer.Start(); err != nil {
			e.log.Error("Health server failed", "error", err)
		}
	}()

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	if e.cfg.ResumeEnabled {
		adopted, err := e.coordinator.Resume(ctx)
		if err != nil {
			return fmt.Errorf("failed to resume transactions: %w", err)
		}
		if len(adopted) > 0 {
			e.log.Info("Resumed unfinished transactions", "count", len(adopted))
		}
	}

	go e.janitor.Start(ctx)

	return nil
}

// Stop shuts the engine down.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping Engine...")

	for _, client := range e.rpcClients {
		if err := client.Close(); err != nil {
			e.log.Warn("Failed to close participant connection", "error", err)
		}
	}

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("Failed to close Redis", "error", err)
		}
	}

	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("Failed to close database", "error", err)
		}
	}

	return e.healthServer.Stop(ctx)
}

// Coordinator exposes the transaction API.
func (e *Engine) Coordinator() txn.Coordinator {
	return e.coordinator
}

// Checkpoints exposes the checkpoint manager.
func (e *Engine) Checkpoints() checkpoint.Manager {
	return e.checkpoints
}

// Recovery exposes the recovery executor for standalone guarded calls.
func (e *Engine) Recovery() *recovery.Executor {
	return e.recovery
}

// RecoveryConfigs exposes per-operation recovery config registration.
func (e *Engine) RecoveryConfigs() *recovery.ConfigRegistry {
	return e.configs
}

// Participants exposes the participant registry for in-process resource
// managers.
func (e *Engine) Participants() *participant.Registry {
	return e.registry
}

// Events exposes the dispatcher so embedders can register their own sinks.
func (e *Engine) Events() *emitter.Dispatcher {
	return e.dispatcher
}
