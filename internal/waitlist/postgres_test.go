package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var waitlistColumns = []string{"id", "clinic_id", "patient_id", "appointment_type", "requested_date", "window_start",
	"window_end", "priority", "status", "promoted_entry_id", "returning_entry_id", "expires_at", "created_at"}

func TestPostgresStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresStoreWithQuerier(mock)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	e := &Entry{ID: uuid.New(), ClinicID: "clinic-1", RequestedDate: "2025-03-10", Priority: 100, Status: StatusOpen, CreatedAt: now}

	mock.ExpectExec("INSERT INTO waitlist_entries").
		WithArgs(e.ID, "clinic-1", e.PatientID, "", "2025-03-10", e.WindowStart, e.WindowEnd, 100, "open",
			e.PromotedEntryID, e.ReturningEntryID, e.ExpiresAt, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Create(ctx, e))

	rows := pgxmock.NewRows(waitlistColumns).
		AddRow(e.ID, "clinic-1", (*uuid.UUID)(nil), "", "2025-03-10", (*time.Time)(nil), (*time.Time)(nil),
			100, "open", (*uuid.UUID)(nil), (*uuid.UUID)(nil), (*time.Time)(nil), now)
	mock.ExpectQuery("SELECT id, clinic_id").WithArgs("clinic-1", "2025-03-10").WillReturnRows(rows)
	open, err := store.ListOpen(ctx, "clinic-1", "2025-03-10")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, e.ID, open[0].ID)
	assert.Equal(t, StatusOpen, open[0].Status)

	e.Status = StatusHeld
	mock.ExpectExec("UPDATE waitlist_entries").
		WithArgs(e.ID, 100, "held", e.PromotedEntryID, e.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, store.Update(ctx, e), ErrNotFound)

	missing := uuid.New()
	mock.ExpectQuery("SELECT id, clinic_id").WithArgs(missing).WillReturnError(pgx.ErrNoRows)
	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
