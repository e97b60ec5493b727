package control

import (
	"context"
	"testing"
	"time"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/ledger"
	"loyaltyd/internal/queue"
)

func TestApp_Lifecycle(t *testing.T) {
	// No Redis or database URL: memory storage, cache-only ledger.
	cfg := Config{
		Port: 0, // Random port
		Queue: queue.Config{
			PollInterval:    10 * time.Millisecond,
			PromoteInterval: 10 * time.Millisecond,
		},
		LoyaltyWorkers: 2,
	}

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Push one transaction through the full pipeline.
	job := ledger.Enqueue(ctx, app.Manager(), domain.JobProcessTransaction,
		domain.ProcessTransactionPayload{
			TransactionID: "txn-lifecycle",
			CustomerID:    "cust-lifecycle",
			Amount:        42.5,
		}, queue.EnqueueOptions{})
	if job == nil {
		t.Fatal("Enqueue returned nil job")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, err := app.Manager().JobStatus(ctx, domain.QueueLoyalty, job.ID)
		if err != nil {
			t.Fatalf("JobStatus failed: %v", err)
		}
		if status != nil && status.State == domain.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, status = %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
