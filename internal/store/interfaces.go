// Package store defines the primary-store repositories the engine writes
// through.
package store

import (
	"context"
	"time"

	"github.com/partsmarket/syncengine/internal/model"
)

// WriteMode selects acknowledged or fire-and-forget batch writes.
type WriteMode string

const (
	// WriteAck waits for the store to confirm the batch.
	WriteAck WriteMode = "ack"
	// WriteAsync queues the batch and returns immediately. Callers that use
	// it must schedule a deferred reindex so final counts reflect reality.
	WriteAsync WriteMode = "async"
)

// BatchResult reports the outcome of one batch upsert. Acked is false for
// async writes, whose counts are optimistic.
type BatchResult struct {
	Inserted int
	Updated  int
	Failed   int
	Acked    bool
}

// SearchQuery is the filter set of the degraded-mode (primary store) read
// path. It mirrors the search-store contract.
type SearchQuery struct {
	Text     string
	Brand    string
	Supplier string
	MinPrice *float64
	MaxPrice *float64
	InStock  bool
	Sort     string // "price_asc", "price_desc", "newest", default relevance/part number
	Page     int
	Limit    int
}

// PartsRepo persists canonical parts keyed by
// (integration_id, part_number, supplier).
type PartsRepo interface {
	// UpsertBatch inserts or replaces a batch of parts. Existing rows keep
	// their imported_at and get a fresh last_updated.
	UpsertBatch(ctx context.Context, parts []model.Part, mode WriteMode) (BatchResult, error)

	// Flush drains any queued async batches.
	Flush(ctx context.Context) error

	// DeleteByIntegration removes every part owned by the integration.
	DeleteByIntegration(ctx context.Context, integrationID string) (int64, error)

	// ListByIntegration pages parts by ascending id for reindex scans.
	ListByIntegration(ctx context.Context, integrationID string, afterID int64, limit int) ([]model.Part, error)

	// CountByIntegration returns the number of parts for an integration.
	CountByIntegration(ctx context.Context, integrationID string) (int64, error)

	// Search serves the read contract from the primary store when the
	// search mirror is empty.
	Search(ctx context.Context, q SearchQuery) ([]model.Part, int64, error)
}

// IntegrationsRepo persists feed configurations and run outcomes.
type IntegrationsRepo interface {
	Create(ctx context.Context, integ *model.Integration) error
	Update(ctx context.Context, integ *model.Integration) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Integration, error)
	List(ctx context.Context) ([]model.Integration, error)

	// ListByStatus returns integrations in the given lifecycle state.
	ListByStatus(ctx context.Context, status model.Status) ([]model.Integration, error)

	// ListScheduled returns integrations with schedule.enabled == true.
	ListScheduled(ctx context.Context) ([]model.Integration, error)

	// SetStatus transitions the lifecycle state.
	SetStatus(ctx context.Context, id string, status model.Status) error

	// RecordOutcome stores the last_sync record and rolls the stats
	// counters after a run.
	RecordOutcome(ctx context.Context, id string, last model.LastSync) error
}

// RequestsRepo is the durable work queue used in worker mode.
type RequestsRepo interface {
	// Enqueue inserts a pending request unless one is already pending or
	// processing for the integration. Returns false when skipped.
	Enqueue(ctx context.Context, integrationID, source string) (bool, error)

	// Claim atomically moves the oldest pending request to processing.
	// Returns nil when the queue is empty.
	Claim(ctx context.Context) (*model.SyncRequest, error)

	// Complete records the terminal state of a claimed request.
	Complete(ctx context.Context, requestID int64, status model.RequestStatus, errMsg string) error

	// PendingCount reports queue depth for metrics.
	PendingCount(ctx context.Context) (int64, error)

	// CancelPending drops pending requests for an integration, so workers
	// never claim work for a feed that no longer exists.
	CancelPending(ctx context.Context, integrationID string) (int64, error)
}

// HistoryRepo is the append-only audit log of runs.
type HistoryRepo interface {
	Append(ctx context.Context, e model.HistoryEntry) error
	ListByIntegration(ctx context.Context, integrationID string, limit int) ([]model.HistoryEntry, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Integrations IntegrationsRepo
	Parts        PartsRepo
	Requests     RequestsRepo
	History      HistoryRepo
}

// HealthCheck reports primary store connectivity.
type HealthCheck struct {
	Healthy        bool      `json:"healthy"`
	Error          string    `json:"error,omitempty"`
	LastCheck      time.Time `json:"last_check"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}
