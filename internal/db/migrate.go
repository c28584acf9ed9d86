package db

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	full_name TEXT NOT NULL,
	phone TEXT,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'rider',
	avatar_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS positions (
	rider_id TEXT NOT NULL,
	fix_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	accuracy_m REAL NOT NULL,
	speed_mps REAL,
	heading_deg REAL,
	device_ts TIMESTAMPTZ NOT NULL,
	server_received_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (rider_id, fix_id)
);

CREATE INDEX IF NOT EXISTS idx_positions_rider_device_ts ON positions(rider_id, device_ts);

CREATE TABLE IF NOT EXISTS ingest_audit (
	id TEXT PRIMARY KEY,
	rider_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Statements are IF NOT EXISTS so repeated
// startups are harmless.
func Migrate(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
