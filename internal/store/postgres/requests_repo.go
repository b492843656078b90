package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// requestsRepo implements the worker-mode queue on PostgreSQL. The claim is
// a durable marker, so multiple worker processes cooperate safely.
type requestsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRequestsRepo creates a PostgreSQL sync request queue.
func NewRequestsRepo(db *sqlx.DB, timeout time.Duration) store.RequestsRepo {
	return &requestsRepo{db: db, timeout: timeout}
}

// Enqueue inserts a pending request unless one is already pending or
// processing for the integration.
func (r *requestsRepo) Enqueue(ctx context.Context, integrationID, source string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO sync_requests (integration_id, status, source)
		SELECT $1, 'pending', $2
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_requests
			WHERE integration_id = $1 AND status IN ('pending', 'processing'))
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query, integrationID, source).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue sync request: %w", err)
	}
	return true, nil
}

// Claim atomically moves the oldest pending request to processing.
// SKIP LOCKED keeps concurrent workers from claiming the same row.
func (r *requestsRepo) Claim(ctx context.Context) (*model.SyncRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE sync_requests
		SET status = 'processing', updated_at = now()
		WHERE id = (
			SELECT id FROM sync_requests
			WHERE status = 'pending'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1)
		RETURNING id, integration_id, status, source, error, created_at, updated_at`

	var req model.SyncRequest
	err := r.db.QueryRowxContext(ctx, query).Scan(
		&req.ID, &req.IntegrationID, &req.Status, &req.Source,
		&req.Error, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim sync request: %w", err)
	}
	return &req, nil
}

// Complete records the terminal state of a claimed request.
func (r *requestsRepo) Complete(ctx context.Context, requestID int64, status model.RequestStatus, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_requests SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		requestID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to complete sync request: %w", err)
	}
	return nil
}

// CancelPending drops pending requests for an integration.
func (r *requestsRepo) CancelPending(ctx context.Context, integrationID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_requests WHERE integration_id = $1 AND status = 'pending'`,
		integrationID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount reports queue depth for metrics.
func (r *requestsRepo) PendingCount(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM sync_requests WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return count, nil
}
