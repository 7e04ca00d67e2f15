// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries everything cmd/server needs to wire the engine.
type Config struct {
	Server struct {
		Host string
		Port string
	}

	// DBPath is the SQLite file backing the durable store.
	DBPath string

	// Redis.Addr enables the Redis broadcast bus when non-empty. Empty
	// means single-instance in-process fan-out.
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Room struct {
		// EvictAfter is how long an empty room stays resident before
		// the registry evicts it.
		EvictAfter time.Duration

		// ResumeWindow is how long a departed participant's resume
		// token stays redeemable.
		ResumeWindow time.Duration
	}

	Persist struct {
		// Debounce is the coalescing interval for slide snapshot
		// writes.
		Debounce time.Duration

		// MaxRetries bounds re-attempts of a failed durable write.
		MaxRetries int

		// QueueSize is the synchronizer's task buffer.
		QueueSize int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from the environment, falling back to defaults
// suitable for local development.
func Load() *Config {
	cfg := &Config{}

	cfg.Server.Host = getEnv("HOST", "")
	cfg.Server.Port = getEnv("PORT", "8080")

	cfg.DBPath = getEnv("SLIDECOLLAB_DB_PATH", "./data/slidecollab.db")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Room.EvictAfter = getEnvDuration("ROOM_EVICT_AFTER", 10*time.Minute)
	cfg.Room.ResumeWindow = getEnvDuration("ROOM_RESUME_WINDOW", 2*time.Minute)

	cfg.Persist.Debounce = getEnvDuration("PERSIST_DEBOUNCE", 250*time.Millisecond)
	cfg.Persist.MaxRetries = getEnvInt("PERSIST_MAX_RETRIES", 3)
	cfg.Persist.QueueSize = getEnvInt("PERSIST_QUEUE_SIZE", 1024)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "console")

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
