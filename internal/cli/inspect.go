package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/vietddude/txflow/internal/core/config"
	"github.com/vietddude/txflow/internal/infra/storage/postgres"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [transaction_id]",
	Short: "Dump the stored document for a transaction, live or archived",
	Args:  cobra.ExactArgs(1),
	Run:   runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) {
	txID := args[0]

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

	// Check the live table first, then the archive.
	var doc []byte
	err = db.QueryRowContext(ctx, "SELECT doc FROM transactions WHERE id = $1", txID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		err = db.QueryRowContext(ctx, "SELECT doc FROM archived_transactions WHERE id = $1", txID).Scan(&doc)
	}
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Printf("Transaction %s not found\n", txID)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to load transaction", "error", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, doc, "", "  "); err != nil {
		fmt.Println(string(doc))
		return
	}
	fmt.Println(pretty.String())
}
