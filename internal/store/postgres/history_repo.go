package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// historyRepo implements the append-only run audit log.
type historyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHistoryRepo creates a PostgreSQL sync history repository.
func NewHistoryRepo(db *sqlx.DB, timeout time.Duration) store.HistoryRepo {
	return &historyRepo{db: db, timeout: timeout}
}

func (r *historyRepo) Append(ctx context.Context, e model.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO sync_history (integration_id, status, duration_ms, processed,
			inserted, updated, skipped, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		e.IntegrationID, e.Status, e.DurationMS, e.Processed,
		e.Inserted, e.Updated, e.Skipped, e.Error, e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

func (r *historyRepo) ListByIntegration(ctx context.Context, integrationID string, limit int) ([]model.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, integration_id, status, duration_ms, processed, inserted,
			updated, skipped, error, started_at, finished_at
		FROM sync_history
		WHERE integration_id = $1
		ORDER BY finished_at DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		if err := rows.Scan(
			&e.ID, &e.IntegrationID, &e.Status, &e.DurationMS, &e.Processed,
			&e.Inserted, &e.Updated, &e.Skipped, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}
