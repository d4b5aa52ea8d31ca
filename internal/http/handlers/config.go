package handlers

import (
	"net/http"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
)

// configView renders durations in minutes for the dashboard.
type configView struct {
	ClinicID                 string                `json:"clinic_id"`
	Mode                     queue.Mode            `json:"mode"`
	GracePeriodMinutes       float64               `json:"grace_period_minutes"`
	AllowOverflow            bool                  `json:"allow_overflow"`
	DailyCapacity            int                   `json:"daily_capacity"`
	SlotBufferMinutes        float64               `json:"slot_buffer_minutes"`
	Timezone                 string                `json:"timezone"`
	ActiveStaff              int                   `json:"active_staff"`
	AvgServiceMinutes        float64               `json:"avg_service_minutes"`
	LatenessThresholdMinutes float64               `json:"lateness_threshold_minutes"`
	OverrunFactor            float64               `json:"overrun_factor"`
	AcceptWindowMinutes      float64               `json:"accept_window_minutes"`
	EarlyOfferCount          int                   `json:"early_offer_count"`
	EarlyOfferWaitMinutes    float64               `json:"early_offer_wait_minutes"`
	Weights                  *queue.ScoringWeights `json:"weights,omitempty"`
}

type configBody struct {
	Mode                     queue.Mode            `json:"mode" validate:"required,oneof=fixed fluid hybrid"`
	GracePeriodMinutes       float64               `json:"grace_period_minutes" validate:"gte=0"`
	AllowOverflow            bool                  `json:"allow_overflow"`
	DailyCapacity            int                   `json:"daily_capacity" validate:"gte=0"`
	SlotBufferMinutes        float64               `json:"slot_buffer_minutes" validate:"gte=0"`
	Timezone                 string                `json:"timezone,omitempty"`
	ActiveStaff              int                   `json:"active_staff" validate:"gte=0"`
	AvgServiceMinutes        float64               `json:"avg_service_minutes" validate:"gte=0"`
	LatenessThresholdMinutes float64               `json:"lateness_threshold_minutes" validate:"gte=0"`
	OverrunFactor            float64               `json:"overrun_factor" validate:"gte=0"`
	AcceptWindowMinutes      float64               `json:"accept_window_minutes" validate:"gte=0"`
	EarlyOfferCount          int                   `json:"early_offer_count" validate:"gte=0"`
	EarlyOfferWaitMinutes    float64               `json:"early_offer_wait_minutes" validate:"gte=0"`
	Weights                  *queue.ScoringWeights `json:"weights,omitempty"`
}

func minutes(d time.Duration) float64 { return d.Minutes() }

func fromMinutes(m float64) time.Duration { return time.Duration(m * float64(time.Minute)) }

func viewOf(cfg queue.ClinicQueueConfig) configView {
	w := cfg.Weights
	return configView{
		ClinicID:                 cfg.ClinicID,
		Mode:                     cfg.Mode,
		GracePeriodMinutes:       minutes(cfg.GracePeriod),
		AllowOverflow:            cfg.AllowOverflow,
		DailyCapacity:            cfg.DailyCapacity,
		SlotBufferMinutes:        minutes(cfg.SlotBuffer),
		Timezone:                 cfg.Timezone,
		ActiveStaff:              cfg.ActiveStaff,
		AvgServiceMinutes:        cfg.AvgServiceMinutes,
		LatenessThresholdMinutes: minutes(cfg.LatenessThreshold),
		OverrunFactor:            cfg.OverrunFactor,
		AcceptWindowMinutes:      minutes(cfg.AcceptWindow),
		EarlyOfferCount:          cfg.EarlyOfferCount,
		EarlyOfferWaitMinutes:    minutes(cfg.EarlyOfferWait),
		Weights:                  &w,
	}
}

// GetConfig handles GET /clinics/{clinicID}/config.
func (h *QueueHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	cfg, err := h.svc.ClinicConfig(r.Context(), clinicID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cfg))
}

// PutConfig handles PUT /clinics/{clinicID}/config. Zero values take the
// engine defaults.
func (h *QueueHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	var body configBody
	if !decode(w, r, h.validate, &body) {
		return
	}
	cfg := queue.ClinicQueueConfig{
		ClinicID:          clinicID,
		Mode:              body.Mode,
		GracePeriod:       fromMinutes(body.GracePeriodMinutes),
		AllowOverflow:     body.AllowOverflow,
		DailyCapacity:     body.DailyCapacity,
		SlotBuffer:        fromMinutes(body.SlotBufferMinutes),
		Timezone:          body.Timezone,
		ActiveStaff:       body.ActiveStaff,
		AvgServiceMinutes: body.AvgServiceMinutes,
		LatenessThreshold: fromMinutes(body.LatenessThresholdMinutes),
		OverrunFactor:     body.OverrunFactor,
		AcceptWindow:      fromMinutes(body.AcceptWindowMinutes),
		EarlyOfferCount:   body.EarlyOfferCount,
		EarlyOfferWait:    fromMinutes(body.EarlyOfferWaitMinutes),
	}
	if body.Weights != nil {
		cfg.Weights = *body.Weights
	}
	saved, err := h.svc.UpdateConfig(r.Context(), cfg)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(saved))
}
