// Package config reads the runtime's environment configuration. Values are
// parsed leniently: unset or malformed variables fall back to defaults so a
// bad knob never prevents startup. The binary loads a .env file (godotenv)
// before calling Load.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the parsed environment configuration.
type Config struct {
	// WorkerPoolSize is the number of coordinator workers.
	WorkerPoolSize int
	// QueueCapacity bounds the submission queue.
	QueueCapacity int
	// CacheTTLWeather is the current-weather cache TTL.
	CacheTTLWeather time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a
	// breaker.
	BreakerThreshold int
	// BreakerCooldown is the open interval before a half-open probe.
	BreakerCooldown time.Duration
	// OptMaxIterations bounds the annealing search.
	OptMaxIterations int
	// OptSeed fixes the optimizer's random source. Zero means unseeded.
	OptSeed int64

	// UseMockStore, UseMockWeather, and UseMockNotifier select the mock
	// backends over the real ones.
	UseMockStore    bool
	UseMockWeather  bool
	UseMockNotifier bool

	// MongoURL and MongoDB configure the vector store backend.
	MongoURL string
	MongoDB  string
	// RedisURL configures the Pulse event sink.
	RedisURL string
	// OpenMeteoURL overrides the weather provider base URL.
	OpenMeteoURL string
	// SlackToken and SlackChannel configure the Slack notifier.
	SlackToken   string
	SlackChannel string
}

// Load reads the environment and returns the configuration with defaults
// applied.
func Load() Config {
	return Config{
		WorkerPoolSize:   envInt("BURNSHED_WORKER_POOL_SIZE", 8),
		QueueCapacity:    envInt("BURNSHED_QUEUE_CAPACITY", 100),
		CacheTTLWeather:  envDuration("BURNSHED_CACHE_TTL_WEATHER", 10*time.Minute),
		BreakerThreshold: envInt("BURNSHED_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDuration("BURNSHED_BREAKER_COOLDOWN", 30*time.Second),
		OptMaxIterations: envInt("BURNSHED_OPT_MAX_ITERATIONS", 5000),
		OptSeed:          envInt64("BURNSHED_OPT_SEED", 0),
		UseMockStore:     envBool("BURNSHED_USE_MOCK_STORE", true),
		UseMockWeather:   envBool("BURNSHED_USE_MOCK_WEATHER", true),
		UseMockNotifier:  envBool("BURNSHED_USE_MOCK_NOTIFIER", true),
		MongoURL:         os.Getenv("MONGO_URL"),
		MongoDB:          envString("MONGO_DB", "burnshed"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenMeteoURL:     os.Getenv("OPENMETEO_URL"),
		SlackToken:       os.Getenv("SLACK_TOKEN"),
		SlackChannel:     os.Getenv("SLACK_CHANNEL"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
