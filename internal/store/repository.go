// Package store persists queue entries, clinic queue configuration and
// historical wait statistics.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/queue"
)

// Repository is the queue engine's persistence boundary.
type Repository interface {
	// LoadTodayEntries returns the entries whose effective start falls on the
	// service day beginning at dayStart.
	LoadTodayEntries(ctx context.Context, clinicID string, dayStart time.Time) ([]*queue.Entry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*queue.Entry, error)
	SaveEntry(ctx context.Context, e *queue.Entry) error
	// SaveEntries writes a pass result atomically.
	SaveEntries(ctx context.Context, entries []*queue.Entry) error
	LoadClinicConfig(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error)
	SaveClinicConfig(ctx context.Context, cfg queue.ClinicQueueConfig) error
	LoadHistoricalAverages(ctx context.Context, clinicID, appointmentType string) (*queue.HistoricalStats, error)
	RecordVisit(ctx context.Context, clinicID, appointmentType string, waitMinutes, serviceMinutes float64) error
	ActiveClinics(ctx context.Context) ([]string, error)
}

// ConfigStore reads and writes per-clinic queue configuration. A clinic
// without stored configuration gets queue.DefaultClinicConfig.
type ConfigStore interface {
	Get(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error)
	Set(ctx context.Context, cfg queue.ClinicQueueConfig) error
}

// DayStart returns midnight of t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func foldVisit(stats *queue.HistoricalStats, waitMinutes, serviceMinutes float64) {
	n := float64(stats.SampleSize)
	stats.MeanWaitMinutes = (stats.MeanWaitMinutes*n + waitMinutes) / (n + 1)
	stats.MeanServiceMinutes = (stats.MeanServiceMinutes*n + serviceMinutes) / (n + 1)
	stats.SampleSize++
}
