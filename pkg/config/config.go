package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the exchange core.
type Config struct {
	Port      string
	DBPath    string
	JWTSecret string

	// Gateway
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	ResponseTTL    time.Duration

	// Client pool
	PoolIdleTTL time.Duration

	// Reconciler
	PollInterval    time.Duration
	PollJitter      time.Duration
	HistoryLimit    int
	HistoryLookback time.Duration

	// Exchange descriptors (rate budgets, timeouts), hot-reloadable.
	ExchangesFile string

	// Optional Redis notification fan-out; disabled when empty.
	RedisAddr    string
	RedisChannel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/exchange.db")
	}

	return &Config{
		Port:            getEnv("PORT", "8090"),
		DBPath:          dbPath,
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		Workers:         getEnvInt("GATEWAY_WORKERS", 8),
		QueueSize:       getEnvInt("GATEWAY_QUEUE_SIZE", 256),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ResponseTTL:     getEnvDuration("RESPONSE_TTL", 2*time.Minute),
		PoolIdleTTL:     getEnvDuration("POOL_IDLE_TTL", 30*time.Minute),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 10*time.Second),
		PollJitter:      getEnvDuration("POLL_JITTER", 2*time.Second),
		HistoryLimit:    getEnvInt("HISTORY_LIMIT", 50),
		HistoryLookback: getEnvDuration("HISTORY_LOOKBACK", 5*time.Minute),
		ExchangesFile:   getEnv("EXCHANGES_FILE", "./config/exchanges.yaml"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisChannel:    getEnv("REDIS_CHANNEL", "exchange-core:notifications"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
