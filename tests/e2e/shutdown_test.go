package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"loyaltyd/internal/control"
	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/ledger"
	"loyaltyd/internal/queue"
)

func TestGracefulShutdown(t *testing.T) {
	// Memory storage, cache-only ledger: no external services needed.
	cfg := control.Config{
		Port: 0,
		Queue: queue.Config{
			PollInterval:    10 * time.Millisecond,
			PromoteInterval: 10 * time.Millisecond,
		},
		LoyaltyWorkers: 2,
	}

	app, err := control.NewApp(cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Failed to start app: %v", err)
	}

	// Queue up a batch of transactions, then shut down while they drain.
	var ids []string
	for i := 0; i < 10; i++ {
		job := ledger.Enqueue(ctx, app.Manager(), domain.JobProcessTransaction,
			domain.ProcessTransactionPayload{
				TransactionID: fmt.Sprintf("txn-shutdown-%d", i),
				CustomerID:    "cust-shutdown",
				Amount:        10,
			}, queue.EnqueueOptions{})
		if job == nil {
			t.Fatalf("Failed to enqueue job %d", i)
		}
		ids = append(ids, job.ID)
	}

	// Let the workers pick some of them up.
	time.Sleep(50 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	// Whatever was in flight at shutdown must have finished, not been
	// abandoned mid-handler: no job may be left active.
	for _, id := range ids {
		status, err := app.Manager().JobStatus(context.Background(), domain.QueueLoyalty, id)
		if err != nil {
			t.Fatalf("JobStatus failed: %v", err)
		}
		if status != nil && status.State == domain.StateActive {
			t.Errorf("job %s still active after drain", id)
		}
	}
}
