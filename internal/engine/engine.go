// Package engine assembles the sync engine's components and runs them in
// serve or worker mode.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/cache"
	"github.com/partsmarket/syncengine/internal/config"
	"github.com/partsmarket/syncengine/internal/httpapi"
	"github.com/partsmarket/syncengine/internal/metrics"
	"github.com/partsmarket/syncengine/internal/progress"
	"github.com/partsmarket/syncengine/internal/scheduler"
	"github.com/partsmarket/syncengine/internal/search"
	"github.com/partsmarket/syncengine/internal/store"
	"github.com/partsmarket/syncengine/internal/store/postgres"
	"github.com/partsmarket/syncengine/internal/syncer"
)

// Engine is the fully wired sync engine.
type Engine struct {
	Cfg        *config.Config
	DB         *sqlx.DB
	Repo       store.Repository
	Cache      cache.Cache
	Indexer    search.Indexer
	Searcher   *search.Searcher
	Bus        *progress.Bus
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Orch       *syncer.Orchestrator
	Sched      *scheduler.Scheduler
	Dispatcher scheduler.Dispatcher
	Server     *httpapi.Server
}

// New connects every dependency. A missing search store degrades reads to
// the primary store instead of failing startup.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate primary store: %w", err)
	}

	repo := store.Repository{
		Integrations: postgres.NewIntegrationsRepo(db, cfg.Database.QueryTimeout),
		Parts:        postgres.NewPartsRepo(db, cfg.Database.QueryTimeout),
		Requests:     postgres.NewRequestsRepo(db, cfg.Database.QueryTimeout),
		History:      postgres.NewHistoryRepo(db, cfg.Database.QueryTimeout),
	}

	c := cache.NewAuto(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	var indexer search.Indexer
	if cfg.Search.URL != "" {
		idx, err := search.NewIndexer(cfg.Search.URL, cfg.Search.Index, repo.Parts, c)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.Search.URL).
				Msg("search store unavailable, serving reads from primary store")
		} else if err := idx.EnsureIndex(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to ensure search index, serving reads from primary store")
		} else {
			indexer = idx
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	bus := progress.NewBus()

	orch := syncer.New(cfg, repo, indexer, bus, m)

	var dispatcher scheduler.Dispatcher
	if cfg.Scheduler.Mode == "worker" {
		dispatcher = &scheduler.QueueDispatcher{Requests: repo.Requests}
	} else {
		dispatcher = &scheduler.DirectDispatcher{Orch: orch}
	}
	sched := scheduler.New(repo.Integrations, dispatcher)

	e := &Engine{
		Cfg:        cfg,
		DB:         db,
		Repo:       repo,
		Cache:      c,
		Indexer:    indexer,
		Searcher:   search.NewSearcher(indexer, repo.Parts),
		Bus:        bus,
		Metrics:    m,
		Registry:   registry,
		Orch:       orch,
		Sched:      sched,
		Dispatcher: dispatcher,
	}
	e.Server = httpapi.NewServer(httpapi.Deps{
		Config:     cfg,
		Repo:       repo,
		Orch:       orch,
		Sched:      sched,
		Dispatcher: dispatcher,
		Indexer:    indexer,
		Searcher:   e.Searcher,
		Bus:        bus,
		Metrics:    m,
		Registry:   registry,
		DBPing:     func(ctx context.Context) error { return db.PingContext(ctx) },
	})
	return e, nil
}

// RunServe runs the HTTP server and the cron scheduler until ctx dies.
func (e *Engine) RunServe(ctx context.Context) error {
	if err := e.Orch.ReconcileStale(ctx); err != nil {
		log.Warn().Err(err).Msg("stale sync reconciliation failed")
	}
	if err := e.Sched.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down")
	e.Sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := e.Repo.Parts.Flush(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to flush pending writes on shutdown")
	}
	return nil
}

// RunWorker drains the durable queue until ctx dies.
func (e *Engine) RunWorker(ctx context.Context) error {
	if err := e.Orch.ReconcileStale(ctx); err != nil {
		log.Warn().Err(err).Msg("stale sync reconciliation failed")
	}
	w := scheduler.NewWorker(e.Repo.Requests, e.Orch, e.Metrics, e.Cfg.Scheduler.PollInterval)
	err := w.Run(ctx)
	if err == context.Canceled {
		err = nil
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if ferr := e.Repo.Parts.Flush(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("failed to flush pending writes on shutdown")
	}
	return err
}

// Close releases connections.
func (e *Engine) Close() {
	e.Bus.Close()
	if e.DB != nil {
		e.DB.Close()
	}
}
