package worker

import (
	"context"
	"fmt"

	"geolake/internal/config"
	"geolake/internal/store"
)

// WorkerStatusEnabled is recorded for a worker process when it starts.
const WorkerStatusEnabled = "enabled"

// Register records this worker process in the ledger and returns its id.
func Register(ctx context.Context, ledger store.Ledger, cfg config.Config) (int64, error) {
	id, err := ledger.CreateWorker(ctx, store.CreateWorkerParams{
		Status:           WorkerStatusEnabled,
		Host:             cfg.WorkerHost,
		SchedulerPort:    cfg.SchedulerPort,
		DashboardAddress: cfg.DashboardAddress(),
	})
	if err != nil {
		return 0, fmt.Errorf("register worker: %w", err)
	}
	return id, nil
}
