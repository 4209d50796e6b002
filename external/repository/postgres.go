package repository

import (
	"context"

	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) OpenCustomer(ctx context.Context, input repository.OpenCustomerInput) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx,
		`INSERT INTO ingest_sessions (session_uuid, opened_at)
		 VALUES ($1, $2)
		 ON CONFLICT (session_uuid) DO UPDATE SET closed_at = NULL`,
		input.SessionUUID, input.OpenedAt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ingest_customers (session_uuid, customer_id, status, opened_at)
		 VALUES ($1, $2, 'active', $3)
		 ON CONFLICT (session_uuid, customer_id) DO UPDATE
		 SET status = 'active', opened_at = EXCLUDED.opened_at, closed_at = NULL,
		     segment_count = 0, fired_events = '{}'`,
		input.SessionUUID, input.CustomerID, input.OpenedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) CloseCustomer(ctx context.Context, input repository.CloseCustomerInput) error {
	fired := input.FiredEvents
	if fired == nil {
		fired = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE ingest_customers
		 SET status = 'closed', closed_at = $3, segment_count = $4, fired_events = $5
		 WHERE session_uuid = $1 AND customer_id = $2`,
		input.SessionUUID, input.CustomerID, input.ClosedAt, input.SegmentCount, fired)
	return err
}

func (r *PostgresRepository) CloseSession(ctx context.Context, input repository.CloseSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ingest_sessions SET closed_at = $2 WHERE session_uuid = $1`,
		input.SessionUUID, input.ClosedAt)
	return err
}

func (r *PostgresRepository) InsertDispatch(ctx context.Context, record repository.DispatchRecord) error {
	var statusCode *int
	if record.StatusCode != 0 {
		statusCode = &record.StatusCode
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO experience_event_dispatches
		 (session_uuid, customer_id, event, outcome, status_code, latency_ms, dispatched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.SessionUUID, record.CustomerID, record.Event, record.Outcome, statusCode, record.LatencyMs, record.DispatchedAt)
	return err
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
