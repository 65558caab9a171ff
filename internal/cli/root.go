package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"
	"github.com/vietddude/txflow/internal/control"
	"github.com/vietddude/txflow/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
	resume  bool
)

var rootCmd = &cobra.Command{
	Use:   "txflow",
	Short: "txflow transaction coordination service",
	Long:  `txflow coordinates multi-participant transactions with two-phase agreement, dependency-ordered rollback, classified error recovery, and checkpoint-based crash resume.`,
	Run:   runEngine,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&resume, "resume", true, "re-adopt unfinished transactions on startup")
}

func runEngine(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	// Load Configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	// Transform config
	controlCfg := control.Config{
		Port:          cfg.Server.Port,
		Coordinator:   cfg.Coordinator,
		Recovery:      cfg.Recovery,
		Checkpoint:    cfg.Checkpoint,
		Janitor:       cfg.Janitor,
		Participants:  cfg.Participants,
		ResumeEnabled: resume,
		Redis:         cfg.Redis,
		Database:      cfg.Database,
	}

	// Initialize Engine
	app, err := control.NewEngine(controlCfg)
	if err != nil {
		slog.Error("Failed to initialize Engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Engine", "error", err)
		os.Exit(1)
	}

	slog.Info("Engine started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
