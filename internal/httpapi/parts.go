package httpapi

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/store"
)

// handleSearchParts serves the marketplace read contract. The response is
// identical whether the search mirror or the primary store answered.
func (s *Server) handleSearchParts(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := store.SearchQuery{
		Text:     qs.Get("q"),
		Brand:    qs.Get("brand"),
		Supplier: qs.Get("supplier"),
		Sort:     qs.Get("sort"),
		InStock:  qs.Get("in_stock") == "true",
	}
	if v := qs.Get("min_price"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			q.MinPrice = &f
		}
	}
	if v := qs.Get("max_price"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			q.MaxPrice = &f
		}
	}
	if v := qs.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Page = n
		}
	}
	if v := qs.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}

	result, err := s.searcher.Search(r.Context(), q)
	if err != nil {
		log.Error().Err(err).Msg("part search failed")
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}
