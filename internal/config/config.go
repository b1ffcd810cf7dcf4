package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Env      string
	LogLevel string
	HTTPAddr string

	StoreDriver string
	DatabaseURL string

	RedisAddr string
	RedisPass string
	AMQPURL   string

	RateLimitMax    int
	RateLimitWindow time.Duration

	SchedulerInterval time.Duration
	ResumeInterval    time.Duration
	StaleAfter        time.Duration

	DispatchBatchSize int
	TransientRetries  int
	DispatchWorkers   int
	// EmbeddedWorker makes the API process consume queues itself. Always
	// true for the in-memory queue.
	EmbeddedWorker bool

	WebhookRPS     int
	WebhookWorkers int
	WebhookBackoff time.Duration

	Transport        string
	TransportURL     string
	TransportAPIKey  string
	TransportTimeout time.Duration
}

// Load reads .env when present and then the process environment.
// The returned bool reports whether a .env file was found.
func Load() (AppConfig, bool) {
	found := godotenv.Load() == nil

	return AppConfig{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL: databaseURL(),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		RedisPass: getEnv("REDIS_PASSWORD", ""),
		AMQPURL:   getEnv("AMQP_URL", ""),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 20),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", 30*time.Second),
		ResumeInterval:    getEnvDuration("RESUME_INTERVAL", time.Minute),
		StaleAfter:        getEnvDuration("STALE_AFTER", 5*time.Minute),

		DispatchBatchSize: getEnvInt("DISPATCH_BATCH_SIZE", 100),
		TransientRetries:  getEnvInt("TRANSIENT_RETRIES", 3),
		DispatchWorkers:   getEnvInt("DISPATCH_WORKERS", 4),
		EmbeddedWorker:    getEnvBool("EMBEDDED_WORKER", true),

		WebhookRPS:     getEnvInt("WEBHOOK_RPS", 50),
		WebhookWorkers: getEnvInt("WEBHOOK_WORKERS", 8),
		WebhookBackoff: getEnvDuration("WEBHOOK_BACKOFF", 500*time.Millisecond),

		Transport:        getEnv("TRANSPORT", "mock"),
		TransportURL:     getEnv("TRANSPORT_URL", ""),
		TransportAPIKey:  getEnv("TRANSPORT_API_KEY", ""),
		TransportTimeout: getEnvDuration("TRANSPORT_TIMEOUT", 10*time.Second),
	}, found
}

func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DB_USER", "user"),
		getEnv("DB_PASSWORD", "pass"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "smsleopard"),
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

// getEnvDuration accepts Go durations ("30s") or plain milliseconds ("60000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
