package search

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// Source names where a search answer came from.
const (
	SourceSearchStore  = "search-store"
	SourcePrimaryStore = "primary-store"
)

// Result is the read contract served to callers regardless of backend.
type Result struct {
	Parts        []model.Part `json:"parts"`
	Total        int64        `json:"total"`
	Page         int          `json:"page"`
	Limit        int          `json:"limit"`
	TotalPages   int          `json:"totalPages"`
	HasMore      bool         `json:"hasMore"`
	SearchTimeMS int64        `json:"searchTimeMs"`
	Source       string       `json:"source"`
}

// Searcher serves part queries from the search mirror, degrading to the
// primary store when the mirror is empty or unreachable.
type Searcher struct {
	indexer Indexer
	parts   store.PartsRepo
}

// NewSearcher wires the read path. indexer may be nil when no search store
// is configured; every query then hits the primary store.
func NewSearcher(indexer Indexer, parts store.PartsRepo) *Searcher {
	return &Searcher{indexer: indexer, parts: parts}
}

// Search runs one query. The response shape is identical on both paths.
func (s *Searcher) Search(ctx context.Context, q store.SearchQuery) (Result, error) {
	start := time.Now()
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	var (
		parts  []model.Part
		total  int64
		source = SourcePrimaryStore
		err    error
	)

	if s.indexer != nil && s.indexer.HasDocuments(ctx) {
		parts, total, err = s.indexer.SearchParts(ctx, q)
		source = SourceSearchStore
		if err != nil {
			log.Warn().Err(err).Msg("search store query failed, degrading to primary store")
			parts, total, err = s.parts.Search(ctx, q)
			source = SourcePrimaryStore
		}
	} else {
		parts, total, err = s.parts.Search(ctx, q)
	}
	if err != nil {
		return Result{}, err
	}

	totalPages := int((total + int64(q.Limit) - 1) / int64(q.Limit))
	return Result{
		Parts:        parts,
		Total:        total,
		Page:         q.Page,
		Limit:        q.Limit,
		TotalPages:   totalPages,
		HasMore:      q.Page < totalPages,
		SearchTimeMS: time.Since(start).Milliseconds(),
		Source:       source,
	}, nil
}
