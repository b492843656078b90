// Package postgres implements the store repositories on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL and verifies connectivity.
func Open(ctx context.Context, url string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS integrations (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'inactive',
	config      JSONB NOT NULL DEFAULT '{}',
	schedule    JSONB NOT NULL DEFAULT '{}',
	options     JSONB NOT NULL DEFAULT '{}',
	last_sync   JSONB,
	stats       JSONB NOT NULL DEFAULT '{}',
	created_by  TEXT NOT NULL DEFAULT '',
	updated_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS parts (
	id               BIGSERIAL PRIMARY KEY,
	integration_id   UUID NOT NULL,
	integration_name TEXT NOT NULL DEFAULT '',
	part_number      TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	brand            TEXT NOT NULL DEFAULT '',
	supplier         TEXT NOT NULL DEFAULT '',
	price            NUMERIC(14,4) NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL DEFAULT 'USD',
	quantity         INTEGER NOT NULL DEFAULT 0,
	delivery_days    INTEGER,
	weight           DOUBLE PRECISION,
	condition        TEXT NOT NULL DEFAULT '',
	uom              TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	subcategory      TEXT NOT NULL DEFAULT '',
	origin           TEXT NOT NULL DEFAULT '',
	attributes       JSONB NOT NULL DEFAULT '{}',
	imported_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT parts_identity UNIQUE (integration_id, part_number, supplier)
);
CREATE INDEX IF NOT EXISTS parts_part_number_idx ON parts (part_number);
CREATE INDEX IF NOT EXISTS parts_integration_idx ON parts (integration_id);
CREATE INDEX IF NOT EXISTS parts_brand_idx ON parts (brand);

CREATE TABLE IF NOT EXISTS sync_requests (
	id              BIGSERIAL PRIMARY KEY,
	integration_id  UUID NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	source          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_requests_status_idx ON sync_requests (status, created_at);

CREATE TABLE IF NOT EXISTS sync_history (
	id              BIGSERIAL PRIMARY KEY,
	integration_id  UUID NOT NULL,
	status          TEXT NOT NULL,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	processed       INTEGER NOT NULL DEFAULT 0,
	inserted        INTEGER NOT NULL DEFAULT 0,
	updated         INTEGER NOT NULL DEFAULT 0,
	skipped         INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_history_integration_idx ON sync_history (integration_id, finished_at DESC);
`

// Migrate creates the engine's tables when missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
