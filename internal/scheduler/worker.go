package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/metrics"
	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
	"github.com/partsmarket/syncengine/internal/syncer"
)

// Worker drains the durable sync queue. Several workers can poll the same
// queue; the claim query hands each request to exactly one of them.
type Worker struct {
	requests store.RequestsRepo
	orch     *syncer.Orchestrator
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewWorker builds a queue worker polling at the given interval.
func NewWorker(requests store.RequestsRepo, orch *syncer.Orchestrator, m *metrics.Metrics, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{requests: requests, orch: orch, metrics: m, interval: interval}
}

// Run polls until the context dies. A claimed request is always completed,
// success or not.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Dur("poll_interval", w.interval).Msg("sync worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs requests until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := w.requests.Claim(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to claim sync request")
			return
		}
		if req == nil {
			w.reportDepth(ctx)
			return
		}
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req *model.SyncRequest) {
	log.Info().Int64("request_id", req.ID).Str("integration_id", req.IntegrationID).
		Str("source", req.Source).Msg("processing sync request")

	out, err := w.orch.Sync(ctx, req.IntegrationID, "worker")

	status := model.RequestDone
	errMsg := ""
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		// Another process beat us to it; the request served its purpose.
		status = model.RequestDone
	case err != nil:
		status = model.RequestFailed
		errMsg = err.Error()
	case out.Status == model.SyncFailed:
		status = model.RequestFailed
		errMsg = out.Error
	}

	if err := w.requests.Complete(ctx, req.ID, status, errMsg); err != nil {
		log.Warn().Int64("request_id", req.ID).Err(err).Msg("failed to complete sync request")
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	depth, err := w.requests.PendingCount(ctx)
	if err != nil {
		return
	}
	w.metrics.QueueDepth.Set(float64(depth))
}
