package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"loyaltyd/internal/core/config"
	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage/postgres"
)

var balanceCmd = &cobra.Command{
	Use:   "balance [customer_id]",
	Short: "Show a customer's durable balance and recent ledger entries",
	Args:  cobra.ExactArgs(1),
	Run:   runBalance,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func runBalance(cmd *cobra.Command, args []string) {
	customerID := args[0]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		fmt.Println("No database configured; durable balances unavailable")
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

	repo := postgres.NewLedgerRepo(db, cfg.Retry.Tx())
	balance, err := repo.Balance(ctx, customerID)
	if err != nil {
		slog.Error("Failed to read balance", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Customer %s: %d points (%d rewards available)\n",
		customerID, balance, balance/domain.PointsPerReward)

	entries, err := repo.Entries(ctx, customerID, 10)
	if err != nil {
		slog.Error("Failed to read ledger entries", "error", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Printf("  %-9s %+6d  ref=%s  %s\n", e.Kind, signedPoints(e), e.Reference, e.Reason)
	}
}

func signedPoints(e *domain.LedgerEntry) int64 {
	if e.Kind == domain.EntryReversal {
		return -e.Points
	}
	return e.Points
}
