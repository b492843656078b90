// Package search mirrors canonical parts into Elasticsearch and serves the
// read contract, falling back to the primary store while the mirror is
// empty.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	elastic "github.com/olivere/elastic/v7"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/cache"
	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

const (
	reindexPageSize = 1000

	// hasDocsTTL bounds how long the fallback decision can lag reality.
	hasDocsTTL = 30 * time.Second
	hasDocsKey = "search:has_documents"
)

const indexMapping = `{
	"settings": {
		"number_of_shards": 1,
		"number_of_replicas": 1,
		"analysis": {
			"analyzer": {
				"part_number": {
					"type": "custom",
					"tokenizer": "keyword",
					"filter": ["lowercase"]
				}
			}
		}
	},
	"mappings": {
		"properties": {
			"integrationId":   {"type": "keyword"},
			"integrationName": {"type": "keyword"},
			"partNumber":      {"type": "text", "analyzer": "part_number", "fields": {"raw": {"type": "keyword"}}},
			"description":     {"type": "text"},
			"brand":           {"type": "text", "fields": {"raw": {"type": "keyword"}}},
			"supplier":        {"type": "keyword"},
			"price":           {"type": "double"},
			"currency":        {"type": "keyword"},
			"quantity":        {"type": "integer"},
			"deliveryDays":    {"type": "integer"},
			"condition":       {"type": "keyword"},
			"category":        {"type": "keyword"},
			"subcategory":     {"type": "keyword"},
			"origin":          {"type": "keyword"},
			"attributes":      {"type": "object", "enabled": false},
			"importedAt":      {"type": "date"},
			"lastUpdated":     {"type": "date"}
		}
	}
}`

// Indexer maintains the search mirror.
type Indexer interface {
	EnsureIndex(ctx context.Context) error

	// PrepareForBulk relaxes refresh/replica settings for a large load;
	// Finalize restores them and refreshes.
	PrepareForBulk(ctx context.Context) error
	Finalize(ctx context.Context) error

	IndexBatch(ctx context.Context, parts []model.Part) (int, error)
	DeleteByIntegration(ctx context.Context, integrationID string) (int64, error)

	// ReindexIntegration rebuilds the integration's slice of the mirror from
	// the primary store.
	ReindexIntegration(ctx context.Context, integrationID string, onProgress func(indexed int)) (int, error)

	// HasDocuments reports whether the mirror holds anything at all. The
	// answer is cached briefly.
	HasDocuments(ctx context.Context) bool

	// SearchParts serves the read contract from the mirror.
	SearchParts(ctx context.Context, q store.SearchQuery) ([]model.Part, int64, error)
}

type esIndexer struct {
	es    *elastic.Client
	index string
	parts store.PartsRepo
	cache cache.Cache
}

// NewIndexer connects to Elasticsearch and returns the mirror maintainer.
func NewIndexer(url, index string, parts store.PartsRepo, c cache.Cache) (Indexer, error) {
	es, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	return &esIndexer{es: es, index: index, parts: parts, cache: c}, nil
}

func (x *esIndexer) EnsureIndex(ctx context.Context) error {
	exists, err := x.es.IndexExists(x.index).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := x.es.CreateIndex(x.index).BodyString(indexMapping).Do(ctx); err != nil {
		return fmt.Errorf("failed to create index %q: %w", x.index, err)
	}
	log.Info().Str("index", x.index).Msg("search index created")
	return nil
}

func (x *esIndexer) PrepareForBulk(ctx context.Context) error {
	settings := map[string]interface{}{
		"index": map[string]interface{}{
			"refresh_interval":   "-1",
			"number_of_replicas": 0,
		},
	}
	if _, err := x.es.IndexPutSettings(x.index).BodyJson(settings).Do(ctx); err != nil {
		return fmt.Errorf("failed to relax index settings: %w", err)
	}
	return nil
}

func (x *esIndexer) Finalize(ctx context.Context) error {
	settings := map[string]interface{}{
		"index": map[string]interface{}{
			"refresh_interval":   "1s",
			"number_of_replicas": 1,
		},
	}
	if _, err := x.es.IndexPutSettings(x.index).BodyJson(settings).Do(ctx); err != nil {
		return fmt.Errorf("failed to restore index settings: %w", err)
	}
	if _, err := x.es.Refresh(x.index).Do(ctx); err != nil {
		return fmt.Errorf("failed to refresh index: %w", err)
	}
	x.cache.Delete(ctx, hasDocsKey)
	return nil
}

func (x *esIndexer) IndexBatch(ctx context.Context, parts []model.Part) (int, error) {
	if len(parts) == 0 {
		return 0, nil
	}
	bulk := x.es.Bulk().Index(x.index)
	for _, p := range parts {
		bulk.Add(elastic.NewBulkIndexRequest().Id(p.Key()).Doc(p))
	}
	resp, err := bulk.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("bulk index failed: %w", err)
	}
	failed := resp.Failed()
	if len(failed) > 0 {
		log.Warn().Int("failed", len(failed)).Str("index", x.index).
			Str("first_error", bulkItemError(failed[0])).
			Msg("some documents failed to index")
	}
	return len(parts) - len(failed), nil
}

func bulkItemError(item *elastic.BulkResponseItem) string {
	if item.Error == nil {
		return ""
	}
	return item.Error.Reason
}

func (x *esIndexer) DeleteByIntegration(ctx context.Context, integrationID string) (int64, error) {
	resp, err := x.es.DeleteByQuery(x.index).
		Query(elastic.NewTermQuery("integrationId", integrationID)).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete by integration failed: %w", err)
	}
	return resp.Deleted, nil
}

func (x *esIndexer) ReindexIntegration(ctx context.Context, integrationID string, onProgress func(indexed int)) (int, error) {
	if _, err := x.DeleteByIntegration(ctx, integrationID); err != nil {
		return 0, err
	}

	total := 0
	var afterID int64
	for {
		page, err := x.parts.ListByIntegration(ctx, integrationID, afterID, reindexPageSize)
		if err != nil {
			return total, fmt.Errorf("failed to page parts for reindex: %w", err)
		}
		if len(page) == 0 {
			break
		}
		n, err := x.IndexBatch(ctx, page)
		if err != nil {
			return total, err
		}
		total += n
		afterID = page[len(page)-1].ID
		if onProgress != nil {
			onProgress(total)
		}
	}

	if _, err := x.es.Refresh(x.index).Do(ctx); err != nil {
		return total, fmt.Errorf("failed to refresh index: %w", err)
	}
	x.cache.Delete(ctx, hasDocsKey)
	log.Info().Str("integration_id", integrationID).Int("indexed", total).
		Msg("search reindex complete")
	return total, nil
}

func (x *esIndexer) HasDocuments(ctx context.Context) bool {
	if v, ok := x.cache.Get(ctx, hasDocsKey); ok {
		return string(v) == "1"
	}
	count, err := x.es.Count(x.index).Do(ctx)
	if err != nil {
		// Treat an unreachable mirror as empty so reads fall back.
		log.Warn().Err(err).Msg("search count failed, falling back to primary store")
		return false
	}
	val := "0"
	if count > 0 {
		val = "1"
	}
	x.cache.Set(ctx, hasDocsKey, []byte(val), hasDocsTTL)
	return count > 0
}

func (x *esIndexer) SearchParts(ctx context.Context, q store.SearchQuery) ([]model.Part, int64, error) {
	query := elastic.NewBoolQuery()
	if q.Text != "" {
		query.Must(elastic.NewMultiMatchQuery(q.Text,
			"partNumber^3", "description", "brand^2").Type("best_fields"))
	} else {
		query.Must(elastic.NewMatchAllQuery())
	}
	if q.Brand != "" {
		query.Filter(elastic.NewTermQuery("brand.raw", q.Brand))
	}
	if q.Supplier != "" {
		query.Filter(elastic.NewTermQuery("supplier", q.Supplier))
	}
	if q.MinPrice != nil || q.MaxPrice != nil {
		r := elastic.NewRangeQuery("price")
		if q.MinPrice != nil {
			r.Gte(*q.MinPrice)
		}
		if q.MaxPrice != nil {
			r.Lte(*q.MaxPrice)
		}
		query.Filter(r)
	}
	if q.InStock {
		query.Filter(elastic.NewRangeQuery("quantity").Gt(0))
	}

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	svc := x.es.Search(x.index).Query(query).
		From((page - 1) * limit).Size(limit).TrackTotalHits(true)

	switch q.Sort {
	case "price_asc":
		svc.Sort("price", true)
	case "price_desc":
		svc.Sort("price", false)
	case "newest":
		svc.Sort("lastUpdated", false)
	default:
		if q.Text == "" {
			svc.Sort("partNumber.raw", true)
		}
		// otherwise relevance order
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}

	parts := make([]model.Part, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		var p model.Part
		if err := json.Unmarshal(hit.Source, &p); err != nil {
			log.Warn().Str("doc_id", hit.Id).Err(err).Msg("skipping malformed search hit")
			continue
		}
		parts = append(parts, p)
	}
	return parts, resp.TotalHits(), nil
}
