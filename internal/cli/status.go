package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"loyaltyd/internal/core/config"
	"loyaltyd/internal/core/domain"
	redisclient "loyaltyd/internal/infra/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backlog of every queue",
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

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	jobs := redisclient.NewJobRepo(client)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "QUEUE\tWAITING\tDELAYED")

	for _, q := range domain.KnownQueues {
		waiting, delayed, err := jobs.Depth(ctx, q)
		if err != nil {
			slog.Error("Failed to read queue depth", "queue", q, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", q, waiting, delayed)
	}
	_ = w.Flush()
}
