package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/queue"
)

// MemoryRepository keeps everything in process. Used by tests and by the
// engine when no database is configured.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*queue.Entry
	configs map[string]queue.ClinicQueueConfig
	stats   map[string]*queue.HistoricalStats
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[uuid.UUID]*queue.Entry),
		configs: make(map[string]queue.ClinicQueueConfig),
		stats:   make(map[string]*queue.HistoricalStats),
	}
}

func (r *MemoryRepository) LoadTodayEntries(_ context.Context, clinicID string, dayStart time.Time) ([]*queue.Entry, error) {
	dayEnd := dayStart.AddDate(0, 0, 1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*queue.Entry
	for _, e := range r.entries {
		if e.ClinicID != clinicID {
			continue
		}
		start := e.EffectiveStart()
		if start.Before(dayStart) || !start.Before(dayEnd) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *MemoryRepository) GetEntry(_ context.Context, id uuid.UUID) (*queue.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, queue.NewNotFoundError("store.get_entry", "queue entry not found")
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) SaveEntry(_ context.Context, e *queue.Entry) error {
	r.mu.Lock()
	r.entries[e.ID] = e.Clone()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) SaveEntries(_ context.Context, entries []*queue.Entry) error {
	r.mu.Lock()
	for _, e := range entries {
		r.entries[e.ID] = e.Clone()
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) LoadClinicConfig(_ context.Context, clinicID string) (queue.ClinicQueueConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[clinicID]; ok {
		return cfg.WithDefaults(), nil
	}
	return queue.DefaultClinicConfig(clinicID), nil
}

func (r *MemoryRepository) SaveClinicConfig(_ context.Context, cfg queue.ClinicQueueConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.configs[cfg.ClinicID] = cfg
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) LoadHistoricalAverages(_ context.Context, clinicID, appointmentType string) (*queue.HistoricalStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stats[statsKey(clinicID, appointmentType)]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) RecordVisit(_ context.Context, clinicID, appointmentType string, waitMinutes, serviceMinutes float64) error {
	key := statsKey(clinicID, appointmentType)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[key]
	if !ok {
		s = &queue.HistoricalStats{ClinicID: clinicID, AppointmentType: appointmentType}
		r.stats[key] = s
	}
	foldVisit(s, waitMinutes, serviceMinutes)
	return nil
}

func (r *MemoryRepository) ActiveClinics(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range r.entries {
		if e.Status.Positioned() {
			seen[e.ClinicID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func statsKey(clinicID, appointmentType string) string {
	return clinicID + "|" + appointmentType
}
