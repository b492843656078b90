package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/feed"
	"github.com/partsmarket/syncengine/internal/model"
)

func validateIntegration(integ *model.Integration) error {
	if integ.Name == "" {
		return errors.New("name is required")
	}
	switch integ.Kind {
	case model.KindFTP, model.KindSpreadsheet:
		if integ.FTP == nil {
			return errors.New("ftp configuration is required")
		}
		return feed.ValidateFTPConfig(*integ.FTP)
	case model.KindAPI:
		if integ.API == nil {
			return errors.New("api configuration is required")
		}
		return feed.ValidateAPIConfig(*integ.API)
	default:
		return fmt.Errorf("unknown integration kind %q", integ.Kind)
	}
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	integs, err := s.repo.Integrations.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list integrations")
		respondError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}
	out := make([]model.Integration, len(integs))
	for i, integ := range integs {
		out[i] = integ.SafeView()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"integrations": out, "count": len(out)})
}

func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var integ model.Integration
	if err := json.NewDecoder(r.Body).Decode(&integ); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateIntegration(&integ); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if integ.ID == "" {
		integ.ID = uuid.New().String()
	}
	if integ.Status == "" {
		integ.Status = model.StatusActive
	}
	if err := s.repo.Integrations.Create(r.Context(), &integ); err != nil {
		log.Error().Err(err).Str("name", integ.Name).Msg("failed to create integration")
		respondError(w, http.StatusInternalServerError, "failed to create integration")
		return
	}

	if s.sched != nil {
		if err := s.sched.Upsert(r.Context(), integ); err != nil {
			log.Warn().Err(err).Str("integration_id", integ.ID).Msg("integration created but schedule rejected")
		}
	}
	respondJSON(w, http.StatusCreated, integ.SafeView())
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, integ.SafeView())
}

func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.repo.Integrations.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}
	if existing == nil {
		respondError(w, http.StatusNotFound, "integration not found")
		return
	}

	var integ model.Integration
	if err := json.NewDecoder(r.Body).Decode(&integ); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	integ.ID = id

	// A masked secret in the payload means "keep the stored one".
	restoreMaskedSecrets(&integ, existing)

	if err := validateIntegration(&integ); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.Integrations.Update(r.Context(), &integ); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "integration not found")
			return
		}
		log.Error().Err(err).Str("integration_id", id).Msg("failed to update integration")
		respondError(w, http.StatusInternalServerError, "failed to update integration")
		return
	}

	if s.sched != nil {
		if err := s.sched.Upsert(r.Context(), integ); err != nil {
			log.Warn().Err(err).Str("integration_id", id).Msg("integration updated but schedule rejected")
		}
	}
	respondJSON(w, http.StatusOK, integ.SafeView())
}

const masked = "********"

func restoreMaskedSecrets(integ, existing *model.Integration) {
	if integ.FTP != nil && existing.FTP != nil && integ.FTP.Password == masked {
		integ.FTP.Password = existing.FTP.Password
	}
	if integ.API != nil && existing.API != nil {
		if integ.API.APIKey == masked {
			integ.API.APIKey = existing.API.APIKey
		}
		if integ.API.Password == masked {
			integ.API.Password = existing.API.Password
		}
		if integ.API.Token == masked {
			integ.API.Token = existing.API.Token
		}
		if integ.API.ClientSecret == masked {
			integ.API.ClientSecret = existing.API.ClientSecret
		}
	}
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.orch != nil && s.orch.Running(id) {
		respondError(w, http.StatusConflict, "sync in progress, try again later")
		return
	}

	if err := s.repo.Integrations.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "integration not found")
			return
		}
		log.Error().Err(err).Str("integration_id", id).Msg("failed to delete integration")
		respondError(w, http.StatusInternalServerError, "failed to delete integration")
		return
	}

	// Cascade: the integration's parts, search documents and queued work go
	// with it.
	if n, err := s.repo.Parts.DeleteByIntegration(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("integration_id", id).Msg("integration deleted but parts cleanup failed")
	} else {
		log.Info().Str("integration_id", id).Int64("parts_deleted", n).Msg("integration deleted")
	}
	if s.indexer != nil {
		if _, err := s.indexer.DeleteByIntegration(r.Context(), id); err != nil {
			log.Warn().Err(err).Str("integration_id", id).Msg("integration deleted but search mirror cleanup failed")
		}
	}
	if s.repo.Requests != nil {
		if _, err := s.repo.Requests.CancelPending(r.Context(), id); err != nil {
			log.Warn().Err(err).Str("integration_id", id).Msg("integration deleted but pending requests remain")
		}
	}
	if s.sched != nil {
		s.sched.Remove(id)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTestFeed checks connectivity for a feed configuration without
// persisting anything.
func (s *Server) handleTestFeed(w http.ResponseWriter, r *http.Request) {
	var integ model.Integration
	if err := json.NewDecoder(r.Body).Decode(&integ); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// An id with masked secrets means "test the stored configuration".
	if integ.ID != "" {
		stored, err := s.repo.Integrations.Get(r.Context(), integ.ID)
		if err == nil && stored != nil {
			restoreMaskedSecrets(&integ, stored)
		}
	}

	client, err := feed.New(integ, s.cfg.Sync.FeedTimeout)
	if err != nil {
		respondJSON(w, http.StatusOK, feed.TestResult{OK: false, Message: err.Error()})
		return
	}

	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()
	result, err := client.Test(ctx)
	if err != nil {
		// The failure detail is the payload, not an HTTP error.
		respondJSON(w, http.StatusOK, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
