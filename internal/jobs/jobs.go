/**
 * @description
 * Scheduled job implementations for the settlement engine.
 */
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the reconciler surface the retry sweep drives.
type Sweeper interface {
	Sweep(ctx context.Context, limit int) (succeeded, failed int, err error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper    Sweeper
	logger     *slog.Logger
	batchLimit int
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper Sweeper, logger *slog.Logger, batchLimit int) *Jobs {
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &Jobs{
		sweeper:    sweeper,
		logger:     logger,
		batchLimit: batchLimit,
	}
}

// SweepWebhookRetries re-drives unprocessed webhook events whose retry time
// has come.
func (j *Jobs) SweepWebhookRetries() {
	j.logger.Info("starting webhook retry sweep")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	succeeded, failed, err := j.sweeper.Sweep(ctx, j.batchLimit)
	if err != nil {
		j.logger.Error("webhook retry sweep failed", "error", err)
		return
	}

	j.logger.Info("webhook retry sweep finished", "succeeded", succeeded, "failed", failed)
}
