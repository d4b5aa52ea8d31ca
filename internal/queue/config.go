package queue

import (
	"fmt"
	"time"
)

// Mode selects the scheduling strategy used for a clinic.
type Mode string

const (
	ModeFixed  Mode = "fixed"
	ModeFluid  Mode = "fluid"
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeFixed || m == ModeFluid || m == ModeHybrid
}

// ScoringWeights parameterise the priority score. The values are
// configuration; the defaults mirror the documented punctuality bands.
type ScoringWeights struct {
	OnTimeBonus       float64 `json:"on_time_bonus"`
	LateBonus         float64 `json:"late_bonus"`
	EarlyBonus        float64 `json:"early_bonus"`
	WalkInBonus       float64 `json:"walk_in_bonus"`
	FairnessPerMinute float64 `json:"fairness_per_minute"`
	EmergencyBonus    float64 `json:"emergency_bonus"`
	VIPBonus          float64 `json:"vip_bonus"`
}

// DefaultScoringWeights returns the baseline weights.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		OnTimeBonus:       100,
		LateBonus:         50,
		EarlyBonus:        20,
		WalkInBonus:       50,
		FairnessPerMinute: 1,
		EmergencyBonus:    1000,
		VIPBonus:          200,
	}
}

// ClinicQueueConfig is the per-clinic policy for queue handling.
type ClinicQueueConfig struct {
	ClinicID          string         `json:"clinic_id"`
	Mode              Mode           `json:"mode"`
	GracePeriod       time.Duration  `json:"grace_period"`
	AllowOverflow     bool           `json:"allow_overflow"`
	DailyCapacity     int            `json:"daily_capacity,omitempty"` // 0 means unlimited
	SlotBuffer        time.Duration  `json:"slot_buffer"`
	Timezone          string         `json:"timezone"`
	ActiveStaff       int            `json:"active_staff"`
	AvgServiceMinutes float64        `json:"avg_service_minutes"`
	LatenessThreshold time.Duration  `json:"lateness_threshold"`
	OverrunFactor     float64        `json:"overrun_factor"`
	AcceptWindow      time.Duration  `json:"accept_window"`
	EarlyOfferCount   int            `json:"early_offer_count"`
	EarlyOfferWait    time.Duration  `json:"early_offer_wait"`
	Weights           ScoringWeights `json:"weights"`
}

// DefaultClinicConfig returns the configuration used when a clinic has none stored.
func DefaultClinicConfig(clinicID string) ClinicQueueConfig {
	return ClinicQueueConfig{
		ClinicID:          clinicID,
		Mode:              ModeFixed,
		GracePeriod:       10 * time.Minute,
		SlotBuffer:        0,
		Timezone:          "UTC",
		ActiveStaff:       1,
		AvgServiceMinutes: 20,
		LatenessThreshold: 15 * time.Minute,
		OverrunFactor:     1.5,
		AcceptWindow:      60 * time.Minute,
		EarlyOfferCount:   3,
		EarlyOfferWait:    15 * time.Minute,
		Weights:           DefaultScoringWeights(),
	}
}

// WithDefaults fills zero-valued fields from DefaultClinicConfig.
func (c ClinicQueueConfig) WithDefaults() ClinicQueueConfig {
	d := DefaultClinicConfig(c.ClinicID)
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.ActiveStaff <= 0 {
		c.ActiveStaff = d.ActiveStaff
	}
	if c.AvgServiceMinutes <= 0 {
		c.AvgServiceMinutes = d.AvgServiceMinutes
	}
	if c.LatenessThreshold <= 0 {
		c.LatenessThreshold = d.LatenessThreshold
	}
	if c.OverrunFactor <= 1 {
		c.OverrunFactor = d.OverrunFactor
	}
	if c.AcceptWindow <= 0 {
		c.AcceptWindow = d.AcceptWindow
	}
	if c.EarlyOfferCount <= 0 {
		c.EarlyOfferCount = d.EarlyOfferCount
	}
	if c.EarlyOfferWait <= 0 {
		c.EarlyOfferWait = d.EarlyOfferWait
	}
	if c.Weights == (ScoringWeights{}) {
		c.Weights = d.Weights
	}
	return c
}

// Validate rejects configurations the scheduler cannot honour.
func (c ClinicQueueConfig) Validate() error {
	if c.ClinicID == "" {
		return NewValidationError("config.validate", "clinic id is required")
	}
	if !c.Mode.Valid() {
		return NewValidationError("config.validate", fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if c.DailyCapacity < 0 {
		return NewValidationError("config.validate", "daily capacity must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return NewValidationError("config.validate", fmt.Sprintf("unknown timezone %q", c.Timezone))
	}
	return nil
}

// Location resolves the clinic timezone, falling back to UTC.
func (c ClinicQueueConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ServiceDuration returns the average service length as a duration.
func (c ClinicQueueConfig) ServiceDuration() time.Duration {
	return time.Duration(c.AvgServiceMinutes * float64(time.Minute))
}

// HistoricalStats summarises past waits for a clinic and appointment type.
type HistoricalStats struct {
	ClinicID           string  `json:"clinic_id"`
	AppointmentType    string  `json:"appointment_type"`
	MeanWaitMinutes    float64 `json:"mean_wait_minutes"`
	MeanServiceMinutes float64 `json:"mean_service_minutes"`
	SampleSize         int     `json:"sample_size"`
}
