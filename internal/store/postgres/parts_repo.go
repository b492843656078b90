package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// partsRepo implements store.PartsRepo for PostgreSQL.
type partsRepo struct {
	db      *sqlx.DB
	timeout time.Duration

	asyncCh chan asyncOp
}

type asyncOp struct {
	parts []model.Part
	done  chan struct{} // non-nil marks a flush barrier
}

// NewPartsRepo creates a PostgreSQL parts repository. The async write queue
// is owned by a single goroutine so batches apply in submission order.
func NewPartsRepo(db *sqlx.DB, timeout time.Duration) store.PartsRepo {
	r := &partsRepo{
		db:      db,
		timeout: timeout,
		asyncCh: make(chan asyncOp, 64),
	}
	go r.asyncWriter()
	return r
}

const upsertQuery = `
	INSERT INTO parts (
		integration_id, integration_name, part_number, description, brand,
		supplier, price, currency, quantity, delivery_days, weight,
		condition, uom, category, subcategory, origin, attributes,
		imported_at, last_updated)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now(), now())
	ON CONFLICT ON CONSTRAINT parts_identity DO UPDATE SET
		integration_name = EXCLUDED.integration_name,
		description      = EXCLUDED.description,
		brand            = EXCLUDED.brand,
		price            = EXCLUDED.price,
		currency         = EXCLUDED.currency,
		quantity         = EXCLUDED.quantity,
		delivery_days    = EXCLUDED.delivery_days,
		weight           = EXCLUDED.weight,
		condition        = EXCLUDED.condition,
		uom              = EXCLUDED.uom,
		category         = EXCLUDED.category,
		subcategory      = EXCLUDED.subcategory,
		origin           = EXCLUDED.origin,
		attributes       = EXCLUDED.attributes,
		last_updated     = now()
	RETURNING (xmax = 0)`

// UpsertBatch inserts or replaces parts keyed by
// (integration_id, part_number, supplier). Async mode queues the batch and
// returns optimistic counts; the deferred reindex reconciles them.
func (r *partsRepo) UpsertBatch(ctx context.Context, parts []model.Part, mode store.WriteMode) (store.BatchResult, error) {
	if len(parts) == 0 {
		return store.BatchResult{Acked: true}, nil
	}

	if mode == store.WriteAsync {
		batch := make([]model.Part, len(parts))
		copy(batch, parts)
		select {
		case r.asyncCh <- asyncOp{parts: batch}:
			return store.BatchResult{Inserted: len(parts), Acked: false}, nil
		case <-ctx.Done():
			return store.BatchResult{}, ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(parts)/500+1))
	defer cancel()
	return r.upsert(ctx, parts)
}

func (r *partsRepo) upsert(ctx context.Context, parts []model.Part) (store.BatchResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertQuery)
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	var result store.BatchResult
	for _, p := range parts {
		attributesJSON, err := json.Marshal(orEmpty(p.Attributes))
		if err != nil {
			return result, fmt.Errorf("failed to marshal attributes: %w", err)
		}

		var inserted bool
		err = stmt.QueryRowxContext(ctx,
			p.IntegrationID, p.IntegrationName, strings.ToUpper(p.PartNumber),
			p.Description, p.Brand, p.Supplier, p.Price, p.Currency,
			p.Quantity, p.DeliveryDays, p.Weight, p.Condition, p.UOM,
			p.Category, p.Subcategory, p.Origin, attributesJSON,
		).Scan(&inserted)
		if err != nil {
			return result, fmt.Errorf("failed to upsert part %s: %w", p.PartNumber, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit batch: %w", err)
	}
	result.Acked = true
	return result, nil
}

func (r *partsRepo) asyncWriter() {
	for op := range r.asyncCh {
		if op.done != nil {
			close(op.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout*time.Duration(len(op.parts)/500+1))
		if _, err := r.upsert(ctx, op.parts); err != nil {
			// Lost writes are bounded by one file and surface as a count
			// discrepancy during the deferred reindex.
			log.Error().Err(err).Int("batch", len(op.parts)).Msg("Async part batch failed")
		}
		cancel()
	}
}

// Flush blocks until every queued async batch has been applied.
func (r *partsRepo) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case r.asyncCh <- asyncOp{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteByIntegration removes every part owned by the integration.
func (r *partsRepo) DeleteByIntegration(ctx context.Context, integrationID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM parts WHERE integration_id = $1`, integrationID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete parts for integration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

const partColumns = `id, integration_id, integration_name, part_number, description,
	brand, supplier, price, currency, quantity, delivery_days, weight,
	condition, uom, category, subcategory, origin, attributes, imported_at, last_updated`

// ListByIntegration pages parts by ascending id for reindex scans.
func (r *partsRepo) ListByIntegration(ctx context.Context, integrationID string, afterID int64, limit int) ([]model.Part, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + partColumns + `
		FROM parts
		WHERE integration_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, integrationID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query parts by integration: %w", err)
	}
	defer rows.Close()

	return scanParts(rows)
}

// CountByIntegration returns the number of parts owned by the integration.
func (r *partsRepo) CountByIntegration(ctx context.Context, integrationID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM parts WHERE integration_id = $1`, integrationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count parts: %w", err)
	}
	return count, nil
}

// Search serves the degraded-mode read contract straight from the table.
func (r *partsRepo) Search(ctx context.Context, q store.SearchQuery) ([]model.Part, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where := []string{"TRUE"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Text != "" {
		p := arg("%" + strings.ToUpper(q.Text) + "%")
		where = append(where, fmt.Sprintf(
			"(part_number LIKE %s OR UPPER(description) LIKE %s OR UPPER(brand) LIKE %s)", p, p, p))
	}
	if q.Brand != "" {
		where = append(where, "brand = "+arg(q.Brand))
	}
	if q.Supplier != "" {
		where = append(where, "supplier = "+arg(q.Supplier))
	}
	if q.MinPrice != nil {
		where = append(where, "price >= "+arg(*q.MinPrice))
	}
	if q.MaxPrice != nil {
		where = append(where, "price <= "+arg(*q.MaxPrice))
	}
	if q.InStock {
		where = append(where, "quantity > 0")
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRowxContext(ctx,
		"SELECT COUNT(*) FROM parts WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	order := "part_number ASC"
	switch q.Sort {
	case "price_asc":
		order = "price ASC"
	case "price_desc":
		order = "price DESC"
	case "newest":
		order = "last_updated DESC"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	query := fmt.Sprintf("SELECT %s FROM parts WHERE %s ORDER BY %s LIMIT %s OFFSET %s",
		partColumns, cond, order, arg(limit), arg((page-1)*limit))

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search parts: %w", err)
	}
	defer rows.Close()

	parts, err := scanParts(rows)
	if err != nil {
		return nil, 0, err
	}
	return parts, total, nil
}

func scanParts(rows *sqlx.Rows) ([]model.Part, error) {
	var parts []model.Part
	for rows.Next() {
		var p model.Part
		var attributesJSON []byte
		err := rows.Scan(
			&p.ID, &p.IntegrationID, &p.IntegrationName, &p.PartNumber,
			&p.Description, &p.Brand, &p.Supplier, &p.Price, &p.Currency,
			&p.Quantity, &p.DeliveryDays, &p.Weight, &p.Condition, &p.UOM,
			&p.Category, &p.Subcategory, &p.Origin, &attributesJSON,
			&p.ImportedAt, &p.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan part: %w", err)
		}
		if len(attributesJSON) > 0 {
			if err := json.Unmarshal(attributesJSON, &p.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
			}
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return parts, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
