// Package httpapi is the control plane: integration management, sync
// triggers, live progress, part search, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/config"
	"github.com/partsmarket/syncengine/internal/metrics"
	"github.com/partsmarket/syncengine/internal/progress"
	"github.com/partsmarket/syncengine/internal/scheduler"
	"github.com/partsmarket/syncengine/internal/search"
	"github.com/partsmarket/syncengine/internal/store"
	"github.com/partsmarket/syncengine/internal/syncer"
)

// Server wires the HTTP surface over the engine's components.
type Server struct {
	cfg        *config.Config
	repo       store.Repository
	orch       *syncer.Orchestrator
	sched      *scheduler.Scheduler
	dispatcher scheduler.Dispatcher
	indexer    search.Indexer
	searcher   *search.Searcher
	bus        *progress.Bus
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	dbPing     func(ctx context.Context) error

	httpSrv *http.Server
}

// Deps carries everything the server needs.
type Deps struct {
	Config     *config.Config
	Repo       store.Repository
	Orch       *syncer.Orchestrator
	Sched      *scheduler.Scheduler
	Dispatcher scheduler.Dispatcher
	Indexer    search.Indexer
	Searcher   *search.Searcher
	Bus        *progress.Bus
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	DBPing     func(ctx context.Context) error
}

// NewServer builds the server and its router.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		repo:       d.Repo,
		orch:       d.Orch,
		sched:      d.Sched,
		dispatcher: d.Dispatcher,
		indexer:    d.Indexer,
		searcher:   d.Searcher,
		bus:        d.Bus,
		metrics:    d.Metrics,
		registry:   d.Registry,
		dbPing:     d.DBPing,
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.Config.Server.Host, d.Config.Server.Port),
		Handler:      s.Routes(),
		ReadTimeout:  d.Config.Server.ReadTimeout,
		WriteTimeout: d.Config.Server.WriteTimeout,
		IdleTimeout:  d.Config.Server.IdleTimeout,
	}
	return s
}

// Routes builds the router. Exported so tests can drive it directly.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware, s.metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Public marketplace read path.
	r.HandleFunc("/api/v1/parts/search", s.handleSearchParts).Methods(http.MethodGet)

	// Admin surface.
	admin := r.PathPrefix("/api/v1").Subrouter()
	admin.Use(s.authMiddleware, jsonMiddleware)
	admin.HandleFunc("/integrations", s.handleListIntegrations).Methods(http.MethodGet)
	admin.HandleFunc("/integrations", s.handleCreateIntegration).Methods(http.MethodPost)
	admin.HandleFunc("/integrations/test", s.handleTestFeed).Methods(http.MethodPost)
	admin.HandleFunc("/integrations/{id}", s.handleGetIntegration).Methods(http.MethodGet)
	admin.HandleFunc("/integrations/{id}", s.handleUpdateIntegration).Methods(http.MethodPut)
	admin.HandleFunc("/integrations/{id}", s.handleDeleteIntegration).Methods(http.MethodDelete)
	admin.HandleFunc("/integrations/{id}/sync", s.handleTriggerSync).Methods(http.MethodPost)
	admin.HandleFunc("/integrations/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	admin.HandleFunc("/integrations/{id}/status", s.handleStatus).Methods(http.MethodGet)
	admin.HandleFunc("/integrations/{id}/history", s.handleHistory).Methods(http.MethodGet)
	admin.HandleFunc("/sync/active", s.handleActiveSyncs).Methods(http.MethodGet)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Warn().Err(err).Msg("failed to encode response")
		}
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	check := store.HealthCheck{Healthy: true, LastCheck: time.Now()}
	start := time.Now()
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			check.Healthy = false
			check.Error = err.Error()
		}
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()

	status := http.StatusOK
	if !check.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, check)
}
