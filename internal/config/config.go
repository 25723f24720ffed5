package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Durable store. Exactly one backend is selected: DATABASE_URL wins,
	// then REDIS_URL, then SQLITE_PATH; with none set the relay runs on an
	// in-memory store (messages do not survive a restart).
	DatabaseURL string
	RedisURL    string
	SQLitePath  string

	// Write-behind cache tunables.
	SyncInterval    time.Duration // 0 means reconcile immediately per append
	OrphanMaxAge    time.Duration
	ConversationCap int // most recent messages kept in memory per conversation
	BroadcastCap    int // most recent messages kept in the global feed

	// Shared secret for the admin stats endpoint. Empty disables it.
	AdminToken string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		SQLitePath:      os.Getenv("SQLITE_PATH"),
		SyncInterval:    getDuration("SYNC_INTERVAL", 5*time.Second),
		OrphanMaxAge:    getDuration("ORPHAN_MAX_AGE", time.Hour),
		ConversationCap: getInt("CONVERSATION_CAP", 500),
		BroadcastCap:    getInt("BROADCAST_CAP", 200),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
	}

	// In production, require a durable backend
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" && cfg.RedisURL == "" && cfg.SQLitePath == "" {
			panic("one of DATABASE_URL, REDIS_URL or SQLITE_PATH is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return defaultValue
}
