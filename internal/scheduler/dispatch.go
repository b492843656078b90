package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/store"
	"github.com/partsmarket/syncengine/internal/syncer"
)

// DirectDispatcher runs the sync in this process, in the background. An
// already-running integration is skipped quietly; the next firing catches
// up.
type DirectDispatcher struct {
	Orch *syncer.Orchestrator
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, integrationID, source string) error {
	go func() {
		_, err := d.Orch.Sync(ctx, integrationID, source)
		if errors.Is(err, syncer.ErrAlreadyRunning) {
			log.Debug().Str("integration_id", integrationID).
				Msg("skipped scheduled sync, previous run still in flight")
			return
		}
		if err != nil {
			log.Error().Str("integration_id", integrationID).Err(err).Msg("dispatched sync failed")
		}
	}()
	return nil
}

// QueueDispatcher records a durable request for a worker process to claim.
type QueueDispatcher struct {
	Requests store.RequestsRepo
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, integrationID, source string) error {
	enqueued, err := d.Requests.Enqueue(ctx, integrationID, source)
	if err != nil {
		return err
	}
	if !enqueued {
		log.Debug().Str("integration_id", integrationID).
			Msg("sync request already queued, not duplicating")
	}
	return nil
}
