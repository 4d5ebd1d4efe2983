package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/storage"
)

// heartbeat renews taskID's lease every interval until ctx is cancelled or
// the lease is confirmed lost, per spec.md 4.G step 3. A transient backend
// error is logged and retried on the next tick; only storage.ErrLeaseLost
// (or ErrNotOwner, which means the same thing after a reclaim) signals lost
// on the lost channel, exactly once.
func heartbeat(ctx context.Context, backend storage.Backend, taskID uuid.UUID, workerID string, leaseDuration, interval time.Duration, lost chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithTask(taskID.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := backend.RenewLease(ctx, taskID, workerID, time.Now().UTC().Add(leaseDuration))
			if err == nil {
				continue
			}
			if errors.Is(err, storage.ErrLeaseLost) || errors.Is(err, storage.ErrNotOwner) {
				log.Warn().Str("worker_id", workerID).Msg("worker: lease lost, aborting task")
				select {
				case lost <- struct{}{}:
				default:
				}
				return
			}
			log.Warn().Err(err).Msg("worker: lease renewal failed, retrying next tick")
		}
	}
}
