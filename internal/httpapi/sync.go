package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// handleTriggerSync starts (or enqueues) a sync for the integration.
// Returns 202 on acceptance, 409 when one is already in flight.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	integ, err := s.repo.Integrations.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	if integ == nil {
		respondError(w, http.StatusNotFound, "integration not found")
		return
	}
	if s.orch != nil && s.orch.Running(id) {
		respondError(w, http.StatusConflict, "sync already running")
		return
	}

	// Dispatch detaches from the request context; the sync outlives the
	// HTTP call.
	if err := s.dispatcher.Dispatch(context.Background(), id, "manual"); err != nil {
		log.Error().Err(err).Str("integration_id", id).Msg("failed to dispatch sync")
		respondError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"integrationId": id,
	})
}

// handleProgress reports the live run, or the last recorded outcome when
// nothing is in flight.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if p := s.bus.Get(id); p != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"live": true, "progress": p})
		return
	}

	integ, err := s.repo.Integrations.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	if integ == nil {
		respondError(w, http.StatusNotFound, "integration not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"live":     false,
		"status":   integ.Status,
		"lastSync": integ.LastSync,
	})
}

// handleStatus reports the integration's current state and lifetime totals.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	integ, err := s.repo.Integrations.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	if integ == nil {
		respondError(w, http.StatusNotFound, "integration not found")
		return
	}

	running := s.orch != nil && s.orch.Running(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"integrationId": id,
		"status":        integ.Status,
		"isSyncing":     running,
		"lastSync":      integ.LastSync,
		"stats":         integ.Stats,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.repo.History.ListByIntegration(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"history": entries, "count": len(entries)})
}

func (s *Server) handleActiveSyncs(w http.ResponseWriter, r *http.Request) {
	active := s.bus.Active()
	respondJSON(w, http.StatusOK, map[string]interface{}{"active": active, "count": len(active)})
}
