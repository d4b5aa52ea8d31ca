package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinicflow/internal/clinicqueue"
	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/disruption"
	"github.com/wolfman30/clinicflow/internal/estimation"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/store"
	"github.com/wolfman30/clinicflow/internal/waitlist"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

var morning = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func routes(h *QueueHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/clinics/{clinicID}", func(r chi.Router) {
		r.Get("/queue", h.ListQueue)
		r.Post("/queue", h.AddToQueue)
		r.Post("/call-next", h.CallNext)
		r.Post("/recalculate", h.Recalculate)
		r.Post("/waitlist", h.JoinWaitlist)
		r.Get("/config", h.GetConfig)
		r.Put("/config", h.PutConfig)
	})
	r.Route("/entries/{entryID}", func(r chi.Router) {
		r.Get("/", h.GetEntry)
		r.Post("/check-in", h.CheckIn)
		r.Post("/complete", h.Complete)
		r.Post("/cancel", h.Cancel)
		r.Post("/absent", h.MarkAbsent)
		r.Post("/return", h.MarkReturned)
		r.Put("/position", h.Override)
		r.Get("/estimate", h.Estimate)
	})
	return r
}

func newTestService(t *testing.T, cfg *queue.ClinicQueueConfig) *clinicqueue.Service {
	t.Helper()
	clk := clock.NewFake(morning)
	repo := store.NewMemoryRepository()
	if cfg != nil {
		require.NoError(t, repo.SaveClinicConfig(context.Background(), *cfg))
	}
	chain := estimation.DefaultChain(nil, 0, estimation.WithChainLogger(logging.Discard()))
	return clinicqueue.NewService(clinicqueue.Deps{
		Repo:     repo,
		Waitlist: waitlist.NewManager(waitlist.NewMemoryStore(), logging.Discard()),
		Engine:   estimation.NewEngine(chain, estimation.NewMemoryCache(0, clk), logging.Discard(), nil),
		Clock:    clk,
		Logger:   logging.Discard(),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	h := routes(NewQueueHandler(newTestService(t, nil), logging.Discard()))

	rec := do(t, h, http.MethodPost, "/clinics/clinic-1/queue", map[string]any{
		"scheduled_start":  morning.Add(time.Hour),
		"appointment_type": "consult",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decodeBody[queue.Entry](t, rec)
	assert.Equal(t, 1, entry.Position)

	rec = do(t, h, http.MethodPost, "/clinics/clinic-1/call-next", map[string]string{"staff_id": "dr-a"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "nobody has checked in")

	rec = do(t, h, http.MethodPost, "/entries/"+entry.ID.String()+"/check-in", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/entries/"+entry.ID.String()+"/estimate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	est := decodeBody[queue.Estimate](t, rec)
	assert.NotEmpty(t, est.Source)

	rec = do(t, h, http.MethodGet, "/clinics/clinic-1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Entries []queue.Entry `json:"entries"`
	}](t, rec)
	assert.Len(t, list.Entries, 1)

	rec = do(t, h, http.MethodPost, "/entries/"+entry.ID.String()+"/cancel", map[string]string{"reason": "left"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/entries/"+entry.ID.String()+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(queue.KindConflict), decodeBody[errorResponse](t, rec).Kind)
}

func TestAddToQueueValidation(t *testing.T) {
	h := routes(NewQueueHandler(newTestService(t, nil), logging.Discard()))

	rec := do(t, h, http.MethodPost, "/clinics/clinic-1/queue", map[string]any{"strategy": "random", "walk_in": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "strategy", resp.Fields[0].Field)

	rec = do(t, h, http.MethodPost, "/clinics/clinic-1/queue", map[string]any{"walk_in": false})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "scheduled_start", decodeBody[errorResponse](t, rec).Fields[0].Field)

	rec = do(t, h, http.MethodPost, "/clinics/clinic-1/queue", map[string]any{"walk_in": true, "unknown": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddToQueueOverflowIsAccepted(t *testing.T) {
	cfg := queue.DefaultClinicConfig("clinic-1")
	cfg.DailyCapacity = 1
	cfg.AllowOverflow = true
	h := routes(NewQueueHandler(newTestService(t, &cfg), logging.Discard()))

	rec := do(t, h, http.MethodPost, "/clinics/clinic-1/queue", map[string]any{"walk_in": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/clinics/clinic-1/queue", map[string]any{"walk_in": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[overflowResponse](t, rec)
	assert.Equal(t, "waitlisted", resp.Status)
	require.NotNil(t, resp.Waitlist)
	assert.Equal(t, "2025-03-10", resp.Waitlist.RequestedDate)
}

func TestEntryRoutesRejectBadIDs(t *testing.T) {
	h := routes(NewQueueHandler(newTestService(t, nil), logging.Discard()))

	rec := do(t, h, http.MethodGet, "/entries/not-a-uuid/", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/entries/"+uuid.NewString()+"/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/entries/"+uuid.NewString()+"/position", map[string]int{"position": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitlistJoinValidation(t *testing.T) {
	h := routes(NewQueueHandler(newTestService(t, nil), logging.Discard()))

	rec := do(t, h, http.MethodPost, "/clinics/clinic-1/waitlist", map[string]any{"requested_date": "10/03/2025"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "requested_date", decodeBody[errorResponse](t, rec).Fields[0].Field)

	rec = do(t, h, http.MethodPost, "/clinics/clinic-1/waitlist", map[string]any{"requested_date": "2025-03-10"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, waitlist.StatusOpen, decodeBody[waitlist.Entry](t, rec).Status)
}

func TestConfigRoundTrip(t *testing.T) {
	h := routes(NewQueueHandler(newTestService(t, nil), logging.Discard()))

	rec := do(t, h, http.MethodGet, "/clinics/clinic-7/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.ModeFixed, decodeBody[configView](t, rec).Mode)

	rec = do(t, h, http.MethodPut, "/clinics/clinic-7/config", map[string]any{
		"mode":                 "hybrid",
		"grace_period_minutes": 5,
		"daily_capacity":       40,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeBody[configView](t, rec)
	assert.Equal(t, queue.ModeHybrid, saved.Mode)
	assert.Equal(t, 5.0, saved.GracePeriodMinutes)
	assert.Equal(t, 15.0, saved.LatenessThresholdMinutes, "unset fields take defaults")

	rec = do(t, h, http.MethodPut, "/clinics/clinic-7/config", map[string]any{"mode": "chaotic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/clinics/clinic-7/config", map[string]any{"mode": "fluid", "timezone": "Mars/Olympus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingService struct {
	QueueService
	err error
}

func (f failingService) Recalculate(context.Context, string, []disruption.Disruption) error {
	return f.err
}

func TestInternalErrorsHideDetail(t *testing.T) {
	svc := failingService{err: queue.NewInvariantViolation("slots", "slot of x is double-booked")}
	h := routes(NewQueueHandler(svc, logging.Discard()))

	rec := do(t, h, http.MethodPost, "/clinics/clinic-1/recalculate", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "internal error", resp.Error)
	assert.Equal(t, string(queue.KindInvariantViolation), resp.Kind)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(queue.ErrNoEligiblePatient))
	assert.Equal(t, http.StatusBadRequest, statusFor(queue.NewValidationError("op", "bad")))
	assert.Equal(t, http.StatusBadGateway, statusFor(queue.NewExternalServiceError("op", assert.AnError)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
