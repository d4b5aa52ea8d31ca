package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinicflow/internal/api/router"
	"github.com/wolfman30/clinicflow/internal/clinicqueue"
	"github.com/wolfman30/clinicflow/internal/clock"
	appconfig "github.com/wolfman30/clinicflow/internal/config"
	"github.com/wolfman30/clinicflow/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinicflow/internal/http/middleware"
	"github.com/wolfman30/clinicflow/internal/notify"
	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/internal/orchestrator"
	"github.com/wolfman30/clinicflow/internal/waitlist"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

const maintenanceInterval = 5 * time.Minute

// Clients carries the AWS clients built by the binary. Either may be nil.
type Clients struct {
	SQS     *sqs.Client
	Bedrock *bedrockruntime.Client
}

// App is the fully wired queue engine.
type App struct {
	Handler      http.Handler
	Service      *clinicqueue.Service
	Orchestrator *orchestrator.Orchestrator
	Notifier     *notify.Dispatcher
	Events       *EventStack
	Registry     *prometheus.Registry

	pool    *pgxpool.Pool
	redis   *redis.Client
	limiter *httpmiddleware.RateLimiter
	pruner  pruner
	logger  *logging.Logger
	cancel  context.CancelFunc
}

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	clock       clock.Clock
	verifyRedis bool
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *buildOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithoutRedisPing skips the startup ping.
func WithoutRedisPing() Option {
	return func(o *buildOptions) { o.verifyRedis = false }
}

// Build wires storage, estimation, events, notifications, the orchestrator
// and the HTTP router from cfg. Nothing is started.
func Build(ctx context.Context, cfg *appconfig.Config, clients Clients, logger *logging.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	o := buildOptions{clock: clock.Real(), verifyRedis: true}
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	redisClient := BuildRedisClient(ctx, cfg, logger, o.verifyRedis)

	app := &App{pool: pool, redis: redisClient, logger: logger}
	fail := func(err error) (*App, error) {
		_ = app.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewQueueMetrics(reg)
	app.Registry = reg

	stack, err := BuildEventBus(cfg, pool, logger)
	if err != nil {
		return fail(err)
	}
	app.Events = stack

	predictor := BuildPredictor(cfg, clients.Bedrock, logger)
	engine := BuildEstimationEngine(cfg, predictor, redisClient, o.clock, logger, m)
	app.Notifier = BuildNotifier(cfg, clients.SQS, logger, m)

	app.Service = clinicqueue.NewService(clinicqueue.Deps{
		Repo:     BuildRepository(pool, redisClient),
		Waitlist: waitlist.NewManager(BuildWaitlistStore(pool), logger),
		Engine:   engine,
		Bus:      stack.Bus,
		Notifier: app.Notifier,
		Clock:    o.clock,
		Logger:   logger,
		Metrics:  m,
	})

	deduper := BuildDeduper(cfg, pool, redisClient, o.clock)
	if p, ok := deduper.(pruner); ok {
		app.pruner = p
	}
	app.Orchestrator = orchestrator.New(stack.Bus, app.Service, app.Service,
		orchestrator.Config{Debounce: cfg.RecalcDebounce, SweepInterval: cfg.SweepInterval},
		orchestrator.WithClock(o.clock),
		orchestrator.WithDeduper(deduper),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
	)

	if cfg.RateLimitRPS > 0 {
		app.limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, o.clock)
	}
	app.Handler = router.New(&router.Config{
		Logger:             logger,
		Clock:              o.clock,
		Queue:              handlers.NewQueueHandler(app.Service, logger),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        app.limiter,
		Readiness:          app.readiness(),
	})
	return app, nil
}

func (a *App) readiness() map[string]router.ReadinessCheck {
	checks := make(map[string]router.ReadinessCheck)
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Start launches the background workers: notification dispatch, outbox
// delivery, the recalculation orchestrator and periodic housekeeping.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Notifier.Start(ctx)
	if a.Events.Deliverer != nil {
		go a.Events.Deliverer.Start(ctx)
	}
	if err := a.Orchestrator.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("bootstrap: start orchestrator: %w", err)
	}
	if a.limiter != nil || a.pruner != nil {
		go a.maintain(ctx)
	}
	a.logger.Info("queue engine started")
	return nil
}

func (a *App) maintain(ctx context.Context) {
	ticker := clock.Real().NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.housekeeping(ctx)
		}
	}
}

// housekeeping evicts idle rate-limit buckets and expired dedup rows.
func (a *App) housekeeping(ctx context.Context) {
	if a.limiter != nil {
		if n := a.limiter.Evict(); n > 0 {
			a.logger.Debug("rate limit buckets evicted", "count", n)
		}
	}
	if a.pruner != nil {
		n, err := a.pruner.Prune(ctx)
		if err != nil {
			a.logger.Warn("dedup prune failed", "error", err)
			return
		}
		if n > 0 {
			a.logger.Debug("dedup rows pruned", "count", n)
		}
	}
}

// Close stops the workers and releases connections. It is safe to call on a
// partially built App.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
	}
	if a.Notifier != nil {
		a.Notifier.Stop()
	}
	var errs []error
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
