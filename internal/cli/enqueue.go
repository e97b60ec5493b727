package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"loyaltyd/internal/core/config"
	"loyaltyd/internal/core/domain"
	redisclient "loyaltyd/internal/infra/redis"
	"loyaltyd/internal/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [customer_id] [transaction_id] [amount]",
	Short: "Enqueue a transaction for points processing",
	Args:  cobra.ExactArgs(3),
	Run:   runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	amount, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		fmt.Printf("Invalid amount: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	// A bare manager is enough to produce; the running service consumes.
	mgr := queue.NewManager(redisclient.NewJobRepo(client), cfg.Queue.Manager())
	job := mgr.Enqueue(context.Background(), domain.QueueLoyalty, domain.JobProcessTransaction,
		domain.ProcessTransactionPayload{
			CustomerID:    args[0],
			TransactionID: args[1],
			Amount:        amount,
		}, queue.EnqueueOptions{})
	if job == nil {
		fmt.Println("Failed to enqueue transaction")
		os.Exit(1)
	}

	fmt.Printf("Enqueued %s for %s (amount %.2f), job %s\n", job.Name, args[0], amount, job.ID)
}
