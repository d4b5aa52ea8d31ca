package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps waitlist entries in the waitlist_entries table.
type PostgresStore struct {
	db querier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("waitlist: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(db querier) *PostgresStore {
	if db == nil {
		panic("waitlist: querier required")
	}
	return &PostgresStore{db: db}
}

const selectColumns = `id, clinic_id, patient_id, appointment_type, requested_date, window_start, window_end,
		priority, status, promoted_entry_id, returning_entry_id, expires_at, created_at`

func (s *PostgresStore) Create(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO waitlist_entries (id, clinic_id, patient_id, appointment_type, requested_date, window_start,
			window_end, priority, status, promoted_entry_id, returning_entry_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query, e.ID, e.ClinicID, e.PatientID, e.AppointmentType, e.RequestedDate,
		e.WindowStart, e.WindowEnd, e.Priority, string(e.Status), e.PromotedEntryID, e.ReturningEntryID,
		e.ExpiresAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("waitlist: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, e *Entry) error {
	query := `
		UPDATE waitlist_entries
		SET priority = $2, status = $3, promoted_entry_id = $4, expires_at = $5
		WHERE id = $1
	`
	ct, err := s.db.Exec(ctx, query, e.ID, e.Priority, string(e.Status), e.PromotedEntryID, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("waitlist: update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM waitlist_entries WHERE id = $1`
	e, err := scanEntry(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("waitlist: get: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, clinicID, day string) ([]*Entry, error) {
	query := `SELECT ` + selectColumns + `
		FROM waitlist_entries
		WHERE clinic_id = $1 AND requested_date = $2 AND status = 'open'
		ORDER BY priority, created_at`
	rows, err := s.db.Query(ctx, query, clinicID, day)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list open: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("waitlist: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waitlist: rows: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e      Entry
		status string
	)
	if err := row.Scan(
		&e.ID,
		&e.ClinicID,
		&e.PatientID,
		&e.AppointmentType,
		&e.RequestedDate,
		&e.WindowStart,
		&e.WindowEnd,
		&e.Priority,
		&status,
		&e.PromotedEntryID,
		&e.ReturningEntryID,
		&e.ExpiresAt,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	return &e, nil
}
