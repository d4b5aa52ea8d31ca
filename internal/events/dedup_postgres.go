package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinicflow/internal/clock"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresDeduper keeps dedup state in processed_events so it survives
// restarts. A row older than the TTL counts as unseen and is refreshed.
type PostgresDeduper struct {
	db    execer
	ttl   time.Duration
	clock clock.Clock
}

func NewPostgresDeduper(pool *pgxpool.Pool, ttl time.Duration, clk clock.Clock) *PostgresDeduper {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newPostgresDeduper(pool, ttl, clk)
}

func newPostgresDeduper(db execer, ttl time.Duration, clk clock.Clock) *PostgresDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PostgresDeduper{db: db, ttl: ttl, clock: clk}
}

func (d *PostgresDeduper) FirstDelivery(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	now := d.clock.Now()
	ct, err := d.db.Exec(ctx, `
		INSERT INTO processed_events (consumer, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, event_id) DO UPDATE SET processed_at = EXCLUDED.processed_at
		WHERE processed_events.processed_at <= $4
	`, consumer, eventID, now, now.Add(-d.ttl))
	if err != nil {
		return false, fmt.Errorf("events: record delivery: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Prune drops rows that can no longer suppress a delivery.
func (d *PostgresDeduper) Prune(ctx context.Context) (int64, error) {
	ct, err := d.db.Exec(ctx, `DELETE FROM processed_events WHERE processed_at <= $1`, d.clock.Now().Add(-d.ttl))
	if err != nil {
		return 0, fmt.Errorf("events: prune deliveries: %w", err)
	}
	return ct.RowsAffected(), nil
}
