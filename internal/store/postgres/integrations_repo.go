package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

// integrationsRepo implements store.IntegrationsRepo for PostgreSQL. Feed
// configuration, schedule, options and run records live in JSONB columns;
// the fields the engine filters on are real columns.
type integrationsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewIntegrationsRepo creates a PostgreSQL integrations repository.
func NewIntegrationsRepo(db *sqlx.DB, timeout time.Duration) store.IntegrationsRepo {
	return &integrationsRepo{db: db, timeout: timeout}
}

// configDoc is the JSONB shape of the kind-specific feed settings.
type configDoc struct {
	FTP *model.FTPConfig `json:"ftp,omitempty"`
	API *model.APIConfig `json:"api,omitempty"`
}

func (r *integrationsRepo) Create(ctx context.Context, integ *model.Integration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	configJSON, scheduleJSON, optionsJSON, statsJSON, err := marshalIntegration(integ)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO integrations (id, name, kind, status, config, schedule, options, stats, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		integ.ID, integ.Name, integ.Kind, integ.Status,
		configJSON, scheduleJSON, optionsJSON, statsJSON,
		integ.CreatedBy, integ.UpdatedBy).
		Scan(&integ.CreatedAt, &integ.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("integration already exists: %w", err)
		}
		return fmt.Errorf("failed to insert integration: %w", err)
	}
	return nil
}

func (r *integrationsRepo) Update(ctx context.Context, integ *model.Integration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	configJSON, scheduleJSON, optionsJSON, statsJSON, err := marshalIntegration(integ)
	if err != nil {
		return err
	}

	query := `
		UPDATE integrations
		SET name = $2, kind = $3, status = $4, config = $5, schedule = $6,
		    options = $7, stats = $8, updated_by = $9, updated_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		integ.ID, integ.Name, integ.Kind, integ.Status,
		configJSON, scheduleJSON, optionsJSON, statsJSON, integ.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *integrationsRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const integrationColumns = `id, name, kind, status, config, schedule, options, last_sync, stats,
	created_by, updated_by, created_at, updated_at`

func (r *integrationsRepo) Get(ctx context.Context, id string) (*model.Integration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id)
	integ, err := scanIntegrationRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return integ, nil
}

func (r *integrationsRepo) List(ctx context.Context) ([]model.Integration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM integrations ORDER BY name`)
}

func (r *integrationsRepo) ListByStatus(ctx context.Context, status model.Status) ([]model.Integration, error) {
	return r.list(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE status = $1 ORDER BY name`, status)
}

func (r *integrationsRepo) ListScheduled(ctx context.Context) ([]model.Integration, error) {
	return r.list(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE (schedule->>'enabled')::boolean ORDER BY name`)
}

func (r *integrationsRepo) list(ctx context.Context, query string, args ...interface{}) ([]model.Integration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()

	var out []model.Integration
	for rows.Next() {
		integ, err := scanIntegrationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *integ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (r *integrationsRepo) SetStatus(ctx context.Context, id string, status model.Status) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set integration status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordOutcome stores the last_sync record and rolls the stats counters.
func (r *integrationsRepo) RecordOutcome(ctx context.Context, id string, last model.LastSync) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lastJSON, err := json.Marshal(last)
	if err != nil {
		return fmt.Errorf("failed to marshal last sync: %w", err)
	}

	success := 0
	failed := 0
	if last.Status == model.SyncSuccess {
		success = 1
	} else if last.Status == model.SyncFailed {
		failed = 1
	}

	query := `
		UPDATE integrations
		SET last_sync = $2,
		    stats = jsonb_build_object(
		        'totalRecords',    COALESCE((stats->>'totalRecords')::bigint, 0) + $3,
		        'totalSyncs',      COALESCE((stats->>'totalSyncs')::bigint, 0) + 1,
		        'successfulSyncs', COALESCE((stats->>'successfulSyncs')::bigint, 0) + $4,
		        'failedSyncs',     COALESCE((stats->>'failedSyncs')::bigint, 0) + $5,
		        'lastSyncRecords', $3::bigint),
		    updated_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, lastJSON, last.Processed, success, failed)
	if err != nil {
		return fmt.Errorf("failed to record sync outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Helpers

func marshalIntegration(integ *model.Integration) (config, schedule, options, stats []byte, err error) {
	config, err = json.Marshal(configDoc{FTP: integ.FTP, API: integ.API})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	schedule, err = json.Marshal(integ.Schedule)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal schedule: %w", err)
	}
	options, err = json.Marshal(integ.Options)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	stats, err = json.Marshal(integ.Stats)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal stats: %w", err)
	}
	return config, schedule, options, stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegrationRow(row rowScanner) (*model.Integration, error) {
	var integ model.Integration
	var configJSON, scheduleJSON, optionsJSON, statsJSON []byte
	var lastSyncJSON sql.NullString

	err := row.Scan(
		&integ.ID, &integ.Name, &integ.Kind, &integ.Status,
		&configJSON, &scheduleJSON, &optionsJSON, &lastSyncJSON, &statsJSON,
		&integ.CreatedBy, &integ.UpdatedBy, &integ.CreatedAt, &integ.UpdatedAt)
	if err != nil {
		return nil, err
	}

	var doc configDoc
	if err := json.Unmarshal(configJSON, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	integ.FTP, integ.API = doc.FTP, doc.API

	if err := json.Unmarshal(scheduleJSON, &integ.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal(optionsJSON, &integ.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &integ.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	if lastSyncJSON.Valid && lastSyncJSON.String != "" {
		var last model.LastSync
		if err := json.Unmarshal([]byte(lastSyncJSON.String), &last); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last sync: %w", err)
		}
		integ.LastSync = &last
	}
	return &integ, nil
}

func scanIntegrationRows(rows *sqlx.Rows) (*model.Integration, error) {
	return scanIntegrationRow(rows)
}
