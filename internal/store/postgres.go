package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinicflow/internal/queue"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores entries as JSONB documents alongside the
// columns used for lookups.
type PostgresRepository struct {
	db      db
	configs ConfigStore
}

type PostgresOption func(*PostgresRepository)

// WithConfigStore reads clinic configuration from cs instead of the
// clinic_queue_configs table.
func WithConfigStore(cs ConfigStore) PostgresOption {
	return func(r *PostgresRepository) {
		if cs != nil {
			r.configs = cs
		}
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresRepository {
	if pool == nil {
		panic("store: pgx pool required")
	}
	return newPostgresRepositoryWithDB(pool, opts...)
}

func newPostgresRepositoryWithDB(conn db, opts ...PostgresOption) *PostgresRepository {
	r := &PostgresRepository{db: conn}
	r.configs = &postgresConfigStore{db: conn}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const upsertEntry = `
	INSERT INTO queue_entries (id, clinic_id, status, position, effective_start, data, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		position = EXCLUDED.position,
		effective_start = EXCLUDED.effective_start,
		data = EXCLUDED.data,
		updated_at = NOW()
`

func entryArgs(e *queue.Entry) ([]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []any{e.ID, e.ClinicID, string(e.Status), e.Position, e.EffectiveStart(), data}, nil
}

func (r *PostgresRepository) LoadTodayEntries(ctx context.Context, clinicID string, dayStart time.Time) ([]*queue.Entry, error) {
	query := `
		SELECT data FROM queue_entries
		WHERE clinic_id = $1 AND effective_start >= $2 AND effective_start < $3
		ORDER BY effective_start, id
	`
	rows, err := r.db.Query(ctx, query, clinicID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("store: load entries: %w", err)
	}
	defer rows.Close()

	var out []*queue.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		var e queue.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("store: decode entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load entries: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetEntry(ctx context.Context, id uuid.UUID) (*queue.Entry, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM queue_entries WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.NewNotFoundError("store.get_entry", "queue entry not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entry: %w", err)
	}
	var e queue.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("store: decode entry: %w", err)
	}
	return &e, nil
}

func (r *PostgresRepository) SaveEntry(ctx context.Context, e *queue.Entry) error {
	args, err := entryArgs(e)
	if err != nil {
		return fmt.Errorf("store: encode entry: %w", err)
	}
	if _, err := r.db.Exec(ctx, upsertEntry, args...); err != nil {
		return fmt.Errorf("store: save entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveEntries(ctx context.Context, entries []*queue.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, e := range entries {
		args, encErr := entryArgs(e)
		if encErr != nil {
			return fmt.Errorf("store: encode entry: %w", encErr)
		}
		if _, err = tx.Exec(ctx, upsertEntry, args...); err != nil {
			return fmt.Errorf("store: save entries: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LoadClinicConfig(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error) {
	return r.configs.Get(ctx, clinicID)
}

func (r *PostgresRepository) SaveClinicConfig(ctx context.Context, cfg queue.ClinicQueueConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.configs.Set(ctx, cfg)
}

func (r *PostgresRepository) LoadHistoricalAverages(ctx context.Context, clinicID, appointmentType string) (*queue.HistoricalStats, error) {
	stats := &queue.HistoricalStats{ClinicID: clinicID, AppointmentType: appointmentType}
	query := `
		SELECT mean_wait_minutes, mean_service_minutes, sample_size
		FROM historical_stats
		WHERE clinic_id = $1 AND appointment_type = $2
	`
	err := r.db.QueryRow(ctx, query, clinicID, appointmentType).
		Scan(&stats.MeanWaitMinutes, &stats.MeanServiceMinutes, &stats.SampleSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load historical averages: %w", err)
	}
	return stats, nil
}

// RecordVisit folds one completed visit into the running means.
func (r *PostgresRepository) RecordVisit(ctx context.Context, clinicID, appointmentType string, waitMinutes, serviceMinutes float64) error {
	query := `
		INSERT INTO historical_stats (clinic_id, appointment_type, mean_wait_minutes, mean_service_minutes, sample_size)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (clinic_id, appointment_type) DO UPDATE SET
			mean_wait_minutes = (historical_stats.mean_wait_minutes * historical_stats.sample_size + EXCLUDED.mean_wait_minutes) / (historical_stats.sample_size + 1),
			mean_service_minutes = (historical_stats.mean_service_minutes * historical_stats.sample_size + EXCLUDED.mean_service_minutes) / (historical_stats.sample_size + 1),
			sample_size = historical_stats.sample_size + 1
	`
	if _, err := r.db.Exec(ctx, query, clinicID, appointmentType, waitMinutes, serviceMinutes); err != nil {
		return fmt.Errorf("store: record visit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ActiveClinics(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT clinic_id FROM queue_entries
		WHERE status IN ('scheduled', 'waiting', 'in_progress')
		ORDER BY clinic_id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: active clinics: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan clinic: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type configQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// postgresConfigStore keeps configuration in clinic_queue_configs.
type postgresConfigStore struct {
	db configQuerier
}

func (s *postgresConfigStore) Get(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT config FROM clinic_queue_configs WHERE clinic_id = $1`, clinicID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.DefaultClinicConfig(clinicID), nil
	}
	if err != nil {
		return queue.ClinicQueueConfig{}, fmt.Errorf("store: get config: %w", err)
	}
	var cfg queue.ClinicQueueConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return queue.ClinicQueueConfig{}, fmt.Errorf("store: unmarshal config: %w", err)
	}
	cfg.ClinicID = clinicID
	return cfg.WithDefaults(), nil
}

func (s *postgresConfigStore) Set(ctx context.Context, cfg queue.ClinicQueueConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	query := `
		INSERT INTO clinic_queue_configs (clinic_id, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (clinic_id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, cfg.ClinicID, data); err != nil {
		return fmt.Errorf("store: set config: %w", err)
	}
	return nil
}
