package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinicflow/internal/http/middleware"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Clock              clock.Clock
	Queue              *handlers.QueueHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Mutating routes are limited per clinic when set.
	RateLimiter *httpmiddleware.RateLimiter

	// Checks run by /ready, keyed by dependency name.
	Readiness map[string]ReadinessCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger, cfg.Clock))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", readiness(cfg.Readiness))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Queue == nil {
		return r
	}
	q := cfg.Queue
	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimiter != nil {
		limit = httpmiddleware.RateLimit(cfg.RateLimiter, httpmiddleware.ClinicKey)
	}

	r.Group(func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "clinicflow.api", otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
		})
		api.Route("/clinics/{clinicID}", func(clinic chi.Router) {
			clinic.Get("/queue", q.ListQueue)
			clinic.Get("/config", q.GetConfig)
			clinic.Group(func(mut chi.Router) {
				mut.Use(limit)
				mut.Post("/queue", q.AddToQueue)
				mut.Post("/call-next", q.CallNext)
				mut.Post("/recalculate", q.Recalculate)
				mut.Post("/waitlist", q.JoinWaitlist)
				mut.Put("/config", q.PutConfig)
			})
		})
		api.Route("/entries/{entryID}", func(entry chi.Router) {
			entry.Get("/", q.GetEntry)
			entry.Get("/estimate", q.Estimate)
			entry.Post("/check-in", q.CheckIn)
			entry.Post("/complete", q.Complete)
			entry.Post("/cancel", q.Cancel)
			entry.Post("/absent", q.MarkAbsent)
			entry.Post("/return", q.MarkReturned)
			entry.Post("/confirm", q.ConfirmPromotion)
			entry.Put("/position", q.Override)
		})
	})

	return r
}

func readiness(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeStatus(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
	}
}

func writeStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
