// Package syncer orchestrates full sync runs: connect to the feed, list its
// artifacts, clean previous data, fan out over files, and mirror the result
// into the search store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/partsmarket/syncengine/internal/config"
	"github.com/partsmarket/syncengine/internal/feed"
	"github.com/partsmarket/syncengine/internal/metrics"
	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/parser"
	"github.com/partsmarket/syncengine/internal/progress"
	"github.com/partsmarket/syncengine/internal/search"
	"github.com/partsmarket/syncengine/internal/store"
)

// ErrAlreadyRunning is returned when a sync is requested for an integration
// that already has one in flight in this process.
var ErrAlreadyRunning = errors.New("sync already running for this integration")

// ErrInactive is returned when a sync is requested for a disabled
// integration.
var ErrInactive = errors.New("integration is inactive")

const (
	defaultFileRetries = 3
	maxRetryInterval   = 30 * time.Second
	maxProgressErrors  = 20
)

// Outcome summarizes one finished run.
type Outcome struct {
	Status     model.SyncStatus   `json:"status"`
	Processed  int                `json:"processed"`
	Inserted   int                `json:"inserted"`
	Updated    int                `json:"updated"`
	Skipped    int                `json:"skipped"`
	DurationMS int64              `json:"durationMs"`
	Error      string             `json:"error,omitempty"`
	Files      []model.FileResult `json:"files,omitempty"`
}

// Orchestrator runs syncs. One orchestrator serves the whole process; it
// enforces per-integration mutual exclusion.
type Orchestrator struct {
	cfg     *config.Config
	repo    store.Repository
	indexer search.Indexer // nil when no search store is configured
	bus     *progress.Bus
	metrics *metrics.Metrics

	// newFeed is swapped in tests.
	newFeed func(model.Integration, time.Duration) (feed.Client, error)

	mu      sync.Mutex
	running map[string]struct{}
}

// New wires an orchestrator.
func New(cfg *config.Config, repo store.Repository, indexer search.Indexer, bus *progress.Bus, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		repo:    repo,
		indexer: indexer,
		bus:     bus,
		metrics: m,
		newFeed: feed.New,
		running: make(map[string]struct{}),
	}
}

func (o *Orchestrator) acquire(integrationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[integrationID]; busy {
		return false
	}
	o.running[integrationID] = struct{}{}
	return true
}

func (o *Orchestrator) release(integrationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, integrationID)
}

// Running reports whether a sync is in flight for the integration.
func (o *Orchestrator) Running(integrationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.running[integrationID]
	return busy
}

// Sync runs one full sync to completion and records its outcome. source
// tags who asked ("manual", "scheduled", "worker").
func (o *Orchestrator) Sync(ctx context.Context, integrationID, source string) (*Outcome, error) {
	if !o.acquire(integrationID) {
		return nil, ErrAlreadyRunning
	}
	defer o.release(integrationID)

	integ, err := o.repo.Integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if integ == nil {
		return nil, fmt.Errorf("integration %s not found", integrationID)
	}
	if integ.Status == model.StatusInactive {
		return nil, ErrInactive
	}

	log.Info().Str("integration_id", integrationID).Str("name", integ.Name).
		Str("source", source).Msg("sync started")

	start := time.Now()
	o.bus.Start(integrationID)
	if err := o.repo.Integrations.SetStatus(ctx, integrationID, model.StatusSyncing); err != nil {
		log.Warn().Err(err).Str("integration_id", integrationID).Msg("failed to mark integration syncing")
	}

	run := newRunState(integrationID)
	runErr := o.execute(ctx, *integ, run)
	outcome := run.outcome(start, runErr, o.cfg.Sync.FailOnFileError)

	o.finish(ctx, *integ, start, outcome)
	return outcome, nil
}

// execute walks the phase machine. Returned errors are run-fatal; per-file
// failures are accumulated in run instead.
func (o *Orchestrator) execute(ctx context.Context, integ model.Integration, run *runState) error {
	client, err := o.newFeed(integ, o.cfg.Sync.FeedTimeout)
	if err != nil {
		return err
	}
	o.setPhase(run.integrationID, model.PhaseConnecting, "connecting to feed")

	if fetcher, ok := client.(feed.RecordFetcher); ok {
		return o.executeRecords(ctx, integ, fetcher, run)
	}
	return o.executeFiles(ctx, integ, client, run)
}

// executeFiles is the FTP/SFTP path: list, clean, fan out over files.
func (o *Orchestrator) executeFiles(ctx context.Context, integ model.Integration, client feed.Client, run *runState) error {
	o.setPhase(run.integrationID, model.PhaseListing, "listing feed files")
	artifacts, err := client.List(ctx)
	if err != nil {
		return err
	}
	o.bus.Update(run.integrationID, func(p *model.SyncProgress) {
		p.Status = model.ProgressSyncing
		p.FilesTotal = len(artifacts)
	})
	if len(artifacts) == 0 {
		// An empty listing is a successful no-op. Skipping the cleaning
		// phase here keeps a misconfigured pattern from wiping the catalog.
		log.Info().Str("integration_id", run.integrationID).Msg("feed listed no files")
		return nil
	}

	if err := o.clean(ctx, integ, run); err != nil {
		return err
	}

	o.setPhase(run.integrationID, model.PhaseProcessing, "processing files")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.EffectiveParallelism())

	for _, artifact := range artifacts {
		artifact := artifact
		g.Go(func() error {
			fr := o.processFile(gctx, integ, artifact, run)
			run.addFile(fr)
			o.bus.Update(run.integrationID, func(p *model.SyncProgress) {
				p.FilesProcessed++
				p.RecordsTotal += fr.RecordCount
				p.CurrentFile = artifact.Name
				if fr.Error != "" && len(p.Errors) < maxProgressErrors {
					p.Errors = append(p.Errors, fmt.Sprintf("%s: %s", fr.Name, fr.Error))
				}
			})
			o.metrics.FilesProcessed.WithLabelValues(fr.Status).Inc()
			// File failures are isolated; only context death stops the run.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return o.index(ctx, integ, run)
}

// executeRecords is the API path: pull record pages, normalize, upsert.
// Cleaning waits for the first page so an unreachable feed cannot empty the
// catalog before failing the run.
func (o *Orchestrator) executeRecords(ctx context.Context, integ model.Integration, fetcher feed.RecordFetcher, run *runState) error {
	o.setPhase(run.integrationID, model.PhaseProcessing, "fetching records")

	popts := parser.Options{
		IntegrationID:   integ.ID,
		IntegrationName: integ.Name,
		Currency:        o.cfg.Sync.DefaultCurrency,
	}
	if integ.API != nil {
		popts.Mapping = integ.API.FieldMapping
	}

	pending := make([]model.Part, 0, o.cfg.Sync.BatchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := o.upsert(ctx, run, pending); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	cleaned := false
	total, err := fetcher.FetchAll(ctx, func(records []map[string]interface{}) error {
		if !cleaned {
			if err := o.clean(ctx, integ, run); err != nil {
				return err
			}
			cleaned = true
			o.setPhase(run.integrationID, model.PhaseProcessing, "fetching records")
		}
		o.bus.Update(run.integrationID, func(p *model.SyncProgress) {
			p.RecordsTotal += len(records)
		})
		for _, rec := range records {
			part, perr := parser.FromRecord(rec, popts)
			if perr != nil {
				run.addSkipped(1)
				continue
			}
			pending = append(pending, part)
			if len(pending) >= o.cfg.Sync.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	run.addFile(model.FileResult{
		Name:        "api",
		RecordCount: total,
		Status:      "success",
	})
	return o.index(ctx, integ, run)
}

// clean removes the integration's previous data unless delta sync keeps it.
func (o *Orchestrator) clean(ctx context.Context, integ model.Integration, run *runState) error {
	if integ.Options.DeltaSync {
		return nil
	}
	o.setPhase(run.integrationID, model.PhaseCleaning, "removing previous records")
	deleted, err := o.repo.Parts.DeleteByIntegration(ctx, integ.ID)
	if err != nil {
		return fmt.Errorf("failed to clean previous records: %w", err)
	}
	// With deferred indexing the rebuild drops stale mirror docs itself.
	if o.indexer != nil && !o.cfg.Sync.DeferredIndex {
		if _, err := o.indexer.DeleteByIntegration(ctx, integ.ID); err != nil {
			log.Warn().Err(err).Str("integration_id", integ.ID).
				Msg("failed to clean search mirror, stale docs until next reindex")
		}
	}
	log.Debug().Str("integration_id", integ.ID).Int64("deleted", deleted).Msg("previous records removed")
	return nil
}

// processFile downloads one artifact into scratch, parses it, and upserts
// its batches. Retryable feed failures are retried per the integration's
// options; the final error lands in the FileResult.
func (o *Orchestrator) processFile(ctx context.Context, integ model.Integration, artifact feed.Artifact, run *runState) model.FileResult {
	fr := model.FileResult{Name: artifact.Name, Size: artifact.Size, Status: "success"}

	attempt := func() error {
		// Each attempt gets its own feed connection; a poisoned socket from
		// a failed try can never leak into the retry.
		client, err := o.newFeed(integ, o.cfg.Sync.FeedTimeout)
		if err != nil {
			return err
		}

		scratch := filepath.Join(o.cfg.Sync.ScratchDir,
			integ.ID+"-"+uuid.New().String()+filepath.Ext(artifact.Name))
		f, err := os.Create(scratch)
		if err != nil {
			return fmt.Errorf("failed to create scratch file: %w", err)
		}
		defer func() {
			f.Close()
			if rmErr := os.Remove(scratch); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warn().Str("path", scratch).Err(rmErr).Msg("failed to remove scratch file")
			}
		}()

		if _, err := client.Download(ctx, artifact.Name, f); err != nil {
			return err
		}
		if _, err := f.Seek(0, 0); err != nil {
			return fmt.Errorf("failed to rewind scratch file: %w", err)
		}

		res, err := parser.ParseCSV(ctx, f, parser.Options{
			IntegrationID:   integ.ID,
			IntegrationName: integ.Name,
			Currency:        o.cfg.Sync.DefaultCurrency,
			BatchSize:       o.cfg.Sync.BatchSize,
		}, func(batch []model.Part) error {
			if err := o.upsert(ctx, run, batch); err != nil {
				return err
			}
			if d := o.cfg.YieldDelay(); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		fr.RecordCount = res.Valid
		run.addSkipped(res.Skipped)
		return nil
	}

	if err := o.withFileRetry(ctx, integ, artifact.Name, attempt); err != nil {
		fr.Status = "failed"
		fr.Error = err.Error()
		log.Error().Str("integration_id", integ.ID).Str("file", artifact.Name).
			Err(err).Msg("file processing failed")
	}
	return fr
}

func (o *Orchestrator) withFileRetry(ctx context.Context, integ model.Integration, name string, fn func() error) error {
	if !integ.Options.RetryOnFail {
		return fn()
	}
	retries := integ.Options.MaxRetries
	if retries <= 0 {
		retries = defaultFileRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxRetryInterval

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !feed.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Str("integration_id", integ.ID).Str("file", name).
			Int("attempt", attempt).Err(err).Msg("retrying file after transient failure")
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
}

// upsert writes one batch to the primary store (and the mirror when
// indexing inline) and moves the progress counters.
func (o *Orchestrator) upsert(ctx context.Context, run *runState, batch []model.Part) error {
	mode := store.WriteAck
	if o.cfg.Sync.DeferredIndex {
		mode = store.WriteAsync
	}
	res, err := o.repo.Parts.UpsertBatch(ctx, batch, mode)
	if err != nil {
		// One retry covers transient write failures; after that the file fails.
		log.Warn().Err(err).Str("integration_id", run.integrationID).
			Msg("batch upsert failed, retrying once")
		res, err = o.repo.Parts.UpsertBatch(ctx, batch, mode)
		if err != nil {
			return fmt.Errorf("failed to upsert batch: %w", err)
		}
	}
	run.addBatch(len(batch), res)

	if o.indexer != nil && !o.cfg.Sync.DeferredIndex {
		n, err := o.indexer.IndexBatch(ctx, batch)
		if err != nil {
			log.Warn().Err(err).Str("integration_id", run.integrationID).
				Msg("inline index batch failed, mirror lags until next reindex")
		} else {
			o.metrics.IndexedDocs.WithLabelValues(run.integrationID).Add(float64(n))
		}
	}

	o.metrics.RecordsProcessed.WithLabelValues(run.integrationID).Add(float64(len(batch)))
	o.bus.Update(run.integrationID, func(p *model.SyncProgress) {
		p.Status = model.ProgressSyncing
		p.RecordsProcessed += len(batch)
		p.RecordsInserted += res.Inserted
		p.RecordsUpdated += res.Updated
	})
	return nil
}

// index runs the deferred rebuild of the search mirror.
func (o *Orchestrator) index(ctx context.Context, integ model.Integration, run *runState) error {
	// Async writes must be durable before the mirror reads them back.
	if err := o.repo.Parts.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush pending writes: %w", err)
	}
	if o.indexer == nil || !o.cfg.Sync.DeferredIndex {
		return nil
	}

	o.setPhase(run.integrationID, model.PhaseIndexing, "rebuilding search index")
	if err := o.indexer.PrepareForBulk(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to relax index settings, continuing")
	}
	n, err := o.indexer.ReindexIntegration(ctx, integ.ID, func(indexed int) {
		o.bus.Update(run.integrationID, func(p *model.SyncProgress) {
			p.Message = fmt.Sprintf("indexed %d records", indexed)
		})
	})
	if ferr := o.indexer.Finalize(ctx); ferr != nil {
		log.Warn().Err(ferr).Msg("failed to finalize search index")
	}
	if err != nil {
		// The primary store is authoritative; a failed rebuild degrades
		// reads but does not fail the run.
		log.Error().Err(err).Str("integration_id", integ.ID).Msg("search reindex failed")
		run.addError(fmt.Sprintf("search reindex failed: %v", err))
		return nil
	}
	o.metrics.IndexedDocs.WithLabelValues(integ.ID).Add(float64(n))
	return nil
}

// finish records the terminal state everywhere: integration row, history,
// metrics, progress bus.
func (o *Orchestrator) finish(ctx context.Context, integ model.Integration, start time.Time, out *Outcome) {
	status := model.StatusActive
	if out.Status == model.SyncFailed {
		status = model.StatusError
	}
	if err := o.repo.Integrations.SetStatus(ctx, integ.ID, status); err != nil {
		log.Warn().Err(err).Str("integration_id", integ.ID).Msg("failed to restore integration status")
	}

	last := model.LastSync{
		Date:       start,
		Status:     out.Status,
		DurationMS: out.DurationMS,
		Processed:  out.Processed,
		Inserted:   out.Inserted,
		Updated:    out.Updated,
		Skipped:    out.Skipped,
		Error:      out.Error,
		Files:      out.Files,
	}
	if err := o.repo.Integrations.RecordOutcome(ctx, integ.ID, last); err != nil {
		log.Warn().Err(err).Str("integration_id", integ.ID).Msg("failed to record sync outcome")
	}
	if err := o.repo.History.Append(ctx, model.HistoryEntry{
		IntegrationID: integ.ID,
		Status:        out.Status,
		DurationMS:    out.DurationMS,
		Processed:     out.Processed,
		Inserted:      out.Inserted,
		Updated:       out.Updated,
		Skipped:       out.Skipped,
		Error:         out.Error,
		StartedAt:     start,
		FinishedAt:    time.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("integration_id", integ.ID).Msg("failed to append history")
	}

	o.metrics.SyncRunsTotal.WithLabelValues(string(out.Status)).Inc()
	o.metrics.SyncDuration.WithLabelValues(string(out.Status)).
		Observe(time.Since(start).Seconds())

	o.bus.Update(integ.ID, func(p *model.SyncProgress) {
		if out.Status == model.SyncSuccess {
			p.Status = model.ProgressCompleted
			p.Phase = model.PhaseDone
		} else {
			p.Status = model.ProgressError
			p.Phase = model.PhaseFailed
		}
		p.Message = out.Error
	})

	log.Info().Str("integration_id", integ.ID).Str("status", string(out.Status)).
		Int("processed", out.Processed).Int("inserted", out.Inserted).
		Int("updated", out.Updated).Int("skipped", out.Skipped).
		Int64("duration_ms", out.DurationMS).Msg("sync finished")
}

// ReconcileStale repairs integrations left in the syncing state by a crash.
// If any data survived the interrupted run, the outcome is recorded as
// interrupted; otherwise the state is simply cleared.
func (o *Orchestrator) ReconcileStale(ctx context.Context) error {
	stale, err := o.repo.Integrations.ListByStatus(ctx, model.StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to list stale integrations: %w", err)
	}
	for _, integ := range stale {
		if o.Running(integ.ID) {
			continue
		}
		count, err := o.repo.Parts.CountByIntegration(ctx, integ.ID)
		if err != nil {
			log.Warn().Err(err).Str("integration_id", integ.ID).Msg("failed to count parts during reconcile")
			continue
		}
		if err := o.repo.Integrations.SetStatus(ctx, integ.ID, model.StatusActive); err != nil {
			log.Warn().Err(err).Str("integration_id", integ.ID).Msg("failed to clear stale status")
			continue
		}
		if count > 0 {
			last := model.LastSync{
				Date:      time.Now(),
				Status:    model.SyncInterrupted,
				Processed: int(count),
				Error:     "Sync interrupted by server restart",
			}
			if err := o.repo.Integrations.RecordOutcome(ctx, integ.ID, last); err != nil {
				log.Warn().Err(err).Str("integration_id", integ.ID).Msg("failed to record interrupted outcome")
			}
		}
		log.Info().Str("integration_id", integ.ID).Int64("surviving_parts", count).
			Msg("reconciled integration left syncing by a previous process")
	}
	return nil
}

func (o *Orchestrator) setPhase(integrationID string, phase model.Phase, msg string) {
	o.bus.Update(integrationID, func(p *model.SyncProgress) {
		p.Status = model.ProgressSyncing
		p.Phase = phase
		p.Message = msg
	})
}
