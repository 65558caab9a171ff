package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/txflow/internal/core/config"
	"github.com/vietddude/txflow/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show in-flight transactions and archive totals",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx, "SELECT id, state, isolation_level, updated_at FROM transactions ORDER BY created_at")
	if err != nil {
		slog.Error("Failed to query transactions", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TRANSACTION\tSTATE\tISOLATION\tUPDATED")

	inFlight := 0
	for rows.Next() {
		var id, state, isolation string
		var updatedAt time.Time
		if err := rows.Scan(&id, &state, &isolation, &updatedAt); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, state, isolation, updatedAt.Format(time.RFC3339))
		inFlight++
	}
	_ = w.Flush()

	var archived int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM archived_transactions").Scan(&archived); err == nil {
		fmt.Printf("\n%d in flight, %d archived\n", inFlight, archived)
	}
}
