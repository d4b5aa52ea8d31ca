package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/clinicqueue"
	"github.com/wolfman30/clinicflow/internal/disruption"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scheduling"
	"github.com/wolfman30/clinicflow/internal/waitlist"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// QueueService is the slice of clinicqueue.Service the HTTP layer drives.
type QueueService interface {
	AddToQueue(ctx context.Context, req clinicqueue.AddRequest) (*queue.Entry, error)
	CallNextPatient(ctx context.Context, clinicID, staffID string) (*queue.Entry, error)
	MarkAbsent(ctx context.Context, entryID uuid.UUID, reason string) error
	MarkReturned(ctx context.Context, entryID uuid.UUID) (*scheduling.ReturnResult, error)
	CheckIn(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error)
	Complete(ctx context.Context, entryID uuid.UUID) error
	Cancel(ctx context.Context, entryID uuid.UUID, reason string) error
	Override(ctx context.Context, entryID uuid.UUID, position int) (*queue.Entry, error)
	ConfirmPromotion(ctx context.Context, entryID uuid.UUID) error
	JoinWaitlist(ctx context.Context, req waitlist.Request) (*waitlist.Entry, error)
	EstimateWaitTime(ctx context.Context, entryID uuid.UUID) (*queue.Estimate, error)
	ListQueue(ctx context.Context, clinicID string) ([]*queue.Entry, error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error)
	Recalculate(ctx context.Context, clinicID string, batch []disruption.Disruption) error
	ClinicConfig(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error)
	UpdateConfig(ctx context.Context, cfg queue.ClinicQueueConfig) (queue.ClinicQueueConfig, error)
}

// QueueHandler serves the front-desk queue API.
type QueueHandler struct {
	svc      QueueService
	validate *validator.Validate
	logger   *logging.Logger
}

func NewQueueHandler(svc QueueService, logger *logging.Logger) *QueueHandler {
	if svc == nil {
		panic("handlers: queue service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &QueueHandler{svc: svc, validate: newValidator(), logger: logger}
}

type addBody struct {
	PatientID       *uuid.UUID                   `json:"patient_id,omitempty"`
	AppointmentType string                       `json:"appointment_type,omitempty"`
	ScheduledStart  *time.Time                   `json:"scheduled_start,omitempty" validate:"required_without=WalkIn"`
	ScheduledEnd    *time.Time                   `json:"scheduled_end,omitempty"`
	WalkIn          bool                         `json:"walk_in"`
	Emergency       bool                         `json:"emergency,omitempty"`
	VIP             bool                         `json:"vip,omitempty"`
	Strategy        clinicqueue.PositionStrategy `json:"strategy,omitempty" validate:"omitempty,oneof=append by_schedule score explicit"`
	Position        int                          `json:"position,omitempty" validate:"omitempty,gte=1"`
}

type callBody struct {
	StaffID string `json:"staff_id" validate:"required"`
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

type positionBody struct {
	Position int `json:"position" validate:"gte=1"`
}

type waitlistBody struct {
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	RequestedDate   string     `json:"requested_date" validate:"required,datetime=2006-01-02"`
	WindowStart     *time.Time `json:"window_start,omitempty"`
	WindowEnd       *time.Time `json:"window_end,omitempty" validate:"required_with=WindowStart"`
	Priority        *int       `json:"priority,omitempty" validate:"omitempty,gte=0"`
}

type overflowResponse struct {
	Status   string          `json:"status"`
	Waitlist *waitlist.Entry `json:"waitlist"`
}

type returnResponse struct {
	Placement  scheduling.ReturnKind `json:"placement"`
	GapEntryID *uuid.UUID            `json:"gap_entry_id,omitempty"`
	Waitlist   *waitlist.Entry       `json:"waitlist,omitempty"`
}

// ListQueue handles GET /clinics/{clinicID}/queue.
func (h *QueueHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.ListQueue(r.Context(), clinicID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clinic_id": clinicID, "entries": entries})
}

// AddToQueue handles POST /clinics/{clinicID}/queue. A clinic at capacity
// that allows overflow answers 202 with the waitlist entry.
func (h *QueueHandler) AddToQueue(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	var body addBody
	if !decode(w, r, h.validate, &body) {
		return
	}
	entry, err := h.svc.AddToQueue(r.Context(), clinicqueue.AddRequest{
		ClinicID:        clinicID,
		PatientID:       body.PatientID,
		AppointmentType: body.AppointmentType,
		ScheduledStart:  body.ScheduledStart,
		ScheduledEnd:    body.ScheduledEnd,
		WalkIn:          body.WalkIn,
		Emergency:       body.Emergency,
		VIP:             body.VIP,
		Strategy:        body.Strategy,
		Position:        body.Position,
	})
	var overflow *clinicqueue.OverflowError
	switch {
	case errors.As(err, &overflow):
		writeJSON(w, http.StatusAccepted, overflowResponse{Status: "waitlisted", Waitlist: overflow.Waitlist})
	case err != nil:
		writeError(w, h.logger, err)
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

// CallNext handles POST /clinics/{clinicID}/call-next.
func (h *QueueHandler) CallNext(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	var body callBody
	if !decode(w, r, h.validate, &body) {
		return
	}
	entry, err := h.svc.CallNextPatient(r.Context(), clinicID, body.StaffID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Recalculate handles POST /clinics/{clinicID}/recalculate and runs one
// pass synchronously.
func (h *QueueHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Recalculate(r.Context(), clinicID, nil); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JoinWaitlist handles POST /clinics/{clinicID}/waitlist.
func (h *QueueHandler) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := h.clinicID(w, r)
	if !ok {
		return
	}
	var body waitlistBody
	if !decode(w, r, h.validate, &body) {
		return
	}
	entry, err := h.svc.JoinWaitlist(r.Context(), waitlist.Request{
		ClinicID:        clinicID,
		PatientID:       body.PatientID,
		AppointmentType: body.AppointmentType,
		RequestedDate:   body.RequestedDate,
		WindowStart:     body.WindowStart,
		WindowEnd:       body.WindowEnd,
		Priority:        body.Priority,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetEntry handles GET /entries/{entryID}.
func (h *QueueHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// CheckIn handles POST /entries/{entryID}/check-in.
func (h *QueueHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.CheckIn(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Complete handles POST /entries/{entryID}/complete.
func (h *QueueHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.entryAction(w, r, h.svc.Complete)
}

// ConfirmPromotion handles POST /entries/{entryID}/confirm.
func (h *QueueHandler) ConfirmPromotion(w http.ResponseWriter, r *http.Request) {
	h.entryAction(w, r, h.svc.ConfirmPromotion)
}

// MarkAbsent handles POST /entries/{entryID}/absent.
func (h *QueueHandler) MarkAbsent(w http.ResponseWriter, r *http.Request) {
	h.reasonAction(w, r, h.svc.MarkAbsent)
}

// Cancel handles POST /entries/{entryID}/cancel.
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.reasonAction(w, r, h.svc.Cancel)
}

// MarkReturned handles POST /entries/{entryID}/return.
func (h *QueueHandler) MarkReturned(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.MarkReturned(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := returnResponse{Placement: res.Kind, Waitlist: res.Waitlist}
	if res.Gap != nil {
		resp.GapEntryID = &res.Gap.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Override handles PUT /entries/{entryID}/position.
func (h *QueueHandler) Override(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	var body positionBody
	if !decode(w, r, h.validate, &body) {
		return
	}
	entry, err := h.svc.Override(r.Context(), id, body.Position)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Estimate handles GET /entries/{entryID}/estimate.
func (h *QueueHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	est, err := h.svc.EstimateWaitTime(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (h *QueueHandler) entryAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) error) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) reasonAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, string) error) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if r.ContentLength != 0 && !decode(w, r, h.validate, &body) {
		return
	}
	if err := fn(r.Context(), id, strings.TrimSpace(body.Reason)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) clinicID(w http.ResponseWriter, r *http.Request) (string, bool) {
	clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
	if clinicID == "" {
		jsonError(w, "missing clinicID", http.StatusBadRequest)
		return "", false
	}
	return clinicID, true
}

func (h *QueueHandler) entryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "entryID")))
	if err != nil {
		jsonError(w, "entryID must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
