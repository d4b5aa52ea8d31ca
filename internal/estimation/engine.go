package estimation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

const defaultRefreshConcurrency = 8

// Engine fronts the chain with the result cache. Concurrent lookups for
// the same entry share one computation.
type Engine struct {
	chain       *Chain
	cache       Cache
	group       singleflight.Group
	concurrency int
	logger      *logging.Logger
	metrics     *metrics.QueueMetrics
}

func NewEngine(chain *Chain, cache Cache, logger *logging.Logger, m *metrics.QueueMetrics) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cache == nil {
		cache = NewMemoryCache(chain.TTL(), nil)
	}
	return &Engine{
		chain:       chain,
		cache:       cache,
		concurrency: defaultRefreshConcurrency,
		logger:      logger,
		metrics:     m,
	}
}

// Get returns the cached estimate for the entry when it is still fresh at
// in.Now, otherwise computes and caches a new one.
func (e *Engine) Get(ctx context.Context, in Input) (*queue.Estimate, error) {
	id := in.Entry.ID
	cached, ok, err := e.cache.Get(ctx, id)
	if err != nil {
		e.logger.Warn("estimate cache read failed", "entry_id", id.String(), "error", err)
	}
	if ok && !cached.Expired(in.Now) {
		e.metrics.ObserveCacheLookup(true)
		return cached, nil
	}
	e.metrics.ObserveCacheLookup(false)

	v, err, _ := e.group.Do(id.String(), func() (interface{}, error) {
		return e.Refresh(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*queue.Estimate), nil
}

// Refresh recomputes regardless of the cache. It fails only when ctx is
// cancelled, in which case nothing is cached.
func (e *Engine) Refresh(ctx context.Context, in Input) (*queue.Estimate, error) {
	est := e.chain.Estimate(ctx, in)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, in.Entry.ID, est); err != nil {
		e.logger.Warn("estimate cache write failed", "entry_id", in.Entry.ID.String(), "error", err)
	}
	return est, nil
}

// RefreshAll recomputes estimates for every input concurrently.
func (e *Engine) RefreshAll(ctx context.Context, inputs []Input) (map[uuid.UUID]*queue.Estimate, error) {
	var mu sync.Mutex
	out := make(map[uuid.UUID]*queue.Estimate, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, in := range inputs {
		g.Go(func() error {
			est, err := e.Refresh(gctx, in)
			if err != nil {
				return err
			}
			mu.Lock()
			out[in.Entry.ID] = est
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops cached estimates.
func (e *Engine) Invalidate(ctx context.Context, ids ...uuid.UUID) {
	if err := e.cache.Delete(ctx, ids...); err != nil {
		e.logger.Warn("estimate cache invalidate failed", "error", err)
	}
}
