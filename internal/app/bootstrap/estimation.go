package bootstrap

import (
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/clinicflow/internal/clock"
	appconfig "github.com/wolfman30/clinicflow/internal/config"
	"github.com/wolfman30/clinicflow/internal/estimation"
	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// BuildPredictor returns the ML predictor backing the first link of the
// estimation chain, or nil when none is configured. An HTTP endpoint wins
// over Bedrock.
func BuildPredictor(cfg *appconfig.Config, bedrock *bedrockruntime.Client, logger *logging.Logger) estimation.Predictor {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if url := strings.TrimSpace(cfg.PredictorURL); url != "" {
		client := &http.Client{
			Timeout:   cfg.PredictorTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		logger.Info("wait-time predictor enabled", "kind", "http", "endpoint", url)
		return estimation.NewHTTPPredictor(url, client)
	}
	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" && bedrock != nil {
		logger.Info("wait-time predictor enabled", "kind", "bedrock", "model", model)
		return estimation.NewBedrockPredictor(bedrock, model)
	}
	logger.Info("no wait-time predictor configured; estimates start at historical averages")
	return nil
}

// BuildEstimationEngine assembles the fallback chain and the estimate cache.
func BuildEstimationEngine(cfg *appconfig.Config, predictor estimation.Predictor, redisClient *redis.Client, clk clock.Clock, logger *logging.Logger, m *metrics.QueueMetrics) *estimation.Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		cfg = &appconfig.Config{}
	}
	opts := []estimation.ChainOption{
		estimation.WithConfidenceFloor(cfg.ConfidenceFloor),
		estimation.WithTTL(cfg.EstimateTTL),
		estimation.WithChainLogger(logger),
		estimation.WithChainMetrics(m),
	}
	if cfg.FallbackMinutes > 0 {
		opts = append(opts, estimation.WithFallbackMinutes(cfg.FallbackMinutes))
	}
	chain := estimation.DefaultChain(predictor, cfg.PredictorTimeout, opts...)

	var cache estimation.Cache
	if redisClient != nil {
		cache = estimation.NewRedisCache(redisClient, cfg.EstimateTTL)
	} else {
		cache = estimation.NewMemoryCache(cfg.EstimateTTL, clk)
	}
	return estimation.NewEngine(chain, cache, logger, m)
}
