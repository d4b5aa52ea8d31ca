package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	ServiceName string

	// Storage. An empty DatabaseURL runs everything in memory.
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	UseMemoryStore bool

	// Event bus: memory, kafka or outbox (postgres outbox forwarding to kafka or memory).
	EventBus           string
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGroupID       string
	OutboxPollInterval time.Duration
	DedupTTL           time.Duration

	// Scheduling engine
	RecalcDebounce   time.Duration
	SweepInterval    time.Duration
	EstimateTTL      time.Duration
	ConfidenceFloor  float64
	FallbackMinutes  float64
	PredictorURL     string
	PredictorTimeout time.Duration
	BedrockModelID   string

	// AWS
	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	NotificationQueueURL string

	// HTTP
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Tracing
	OTELEndpoint    string
	OTELInsecure    bool
	OTELSampleRatio float64
}

// Load reads configuration from environment variables
func Load() *Config {
	databaseURL := getEnv("DATABASE_URL", "")
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServiceName: getEnv("OTEL_SERVICE_NAME", "clinicflow"),

		DatabaseURL:    databaseURL,
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", databaseURL == ""),

		EventBus:           strings.ToLower(strings.TrimSpace(getEnv("EVENT_BUS", "memory"))),
		KafkaBrokers:       getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "clinicflow.queue-events"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "clinicflow-orchestrator"),
		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", time.Second),
		DedupTTL:           getEnvAsDuration("EVENT_DEDUP_TTL", 10*time.Minute),

		RecalcDebounce:   getEnvAsDuration("RECALC_DEBOUNCE", 2*time.Second),
		SweepInterval:    getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		EstimateTTL:      getEnvAsDuration("ESTIMATE_TTL", 30*time.Second),
		ConfidenceFloor:  getEnvAsFloat("ESTIMATE_CONFIDENCE_FLOOR", 0.5),
		FallbackMinutes:  getEnvAsFloat("ESTIMATE_FALLBACK_MINUTES", 15),
		PredictorURL:     getEnv("PREDICTOR_URL", ""),
		PredictorTimeout: getEnvAsDuration("PREDICTOR_TIMEOUT", 2*time.Second),
		BedrockModelID:   getEnv("BEDROCK_MODEL_ID", ""),

		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		NotificationQueueURL: getEnv("NOTIFICATION_QUEUE_URL", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),

		OTELEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTELSampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
