package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE customer_status AS ENUM ('active', 'closed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS ingest_sessions (
		session_uuid TEXT PRIMARY KEY,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_customers (
		session_uuid TEXT NOT NULL REFERENCES ingest_sessions(session_uuid) ON DELETE CASCADE,
		customer_id TEXT NOT NULL,
		status customer_status NOT NULL DEFAULT 'active',
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		segment_count INTEGER NOT NULL DEFAULT 0,
		fired_events TEXT[] NOT NULL DEFAULT '{}',
		PRIMARY KEY (session_uuid, customer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS experience_event_dispatches (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_uuid TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		event TEXT NOT NULL,
		outcome TEXT NOT NULL,
		status_code INTEGER,
		latency_ms BIGINT NOT NULL,
		dispatched_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatches_customer ON experience_event_dispatches (session_uuid, customer_id, dispatched_at)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
